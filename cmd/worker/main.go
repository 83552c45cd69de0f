// worker runs the outreach execution loop: it claims due steps, gates each
// one through the safety engine, and performs the action on its channel.
// A maintenance loop recovers stuck steps, and when KAFKA_BROKERS and
// LOKI_URL are both set a shipper goroutine forwards outreach events from
// Kafka into Loki.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"outreach-control-plane/internal/audit"
	auditrepo "outreach-control-plane/internal/audit/repository"
	"outreach-control-plane/internal/browser"
	"outreach-control-plane/internal/config"
	"outreach-control-plane/internal/db"
	"outreach-control-plane/internal/executor"
	"outreach-control-plane/internal/proxy"
	proxyrepo "outreach-control-plane/internal/proxy/repository"
	"outreach-control-plane/internal/safety"
	"outreach-control-plane/internal/safety/engine"
	safetyrepo "outreach-control-plane/internal/safety/repository"
	"outreach-control-plane/internal/schedule"
	schedulerepo "outreach-control-plane/internal/schedule/repository"
	"outreach-control-plane/internal/session"
	sessiondomain "outreach-control-plane/internal/session/domain"
	sessionrepo "outreach-control-plane/internal/session/repository"
	"outreach-control-plane/internal/telemetry"
	"outreach-control-plane/internal/telemetry/loki"
	"outreach-control-plane/internal/telemetry/otel"
	"outreach-control-plane/internal/telemetry/producer"
	"outreach-control-plane/internal/vault"
	"outreach-control-plane/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "outreach-worker", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	master, err := vault.LoadKey(cfg.VaultKey)
	if err != nil {
		log.Fatalf("vault key: %v", err)
	}
	v, err := vault.New(master)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(conn))

	orch := proxy.NewOrchestrator(proxyrepo.NewPostgresRepository(conn), auditLogger, nil)
	driver := browser.NewRodDriver(cfg.BrowserBin, cfg.BrowserHeadless)
	thresholds := sessiondomain.Thresholds{
		SoftExpiryDays: cfg.SessionSoftExpiryDays,
		HardExpiryDays: cfg.SessionHardExpiryDays,
		ErrorThreshold: cfg.SessionErrorThreshold,
	}
	manager := session.NewManager(sessionrepo.NewPostgresRepository(conn), v, driver, orch,
		auditLogger, thresholds, cfg.ProbeTimeoutDuration())
	orch.SetInvalidator(manager)

	safetyRepo := safetyrepo.NewPostgresRepository(conn)
	safetyEngine := safety.NewEngine(safetyRepo, engine.NewOPAEvaluator(safetyRepo), auditLogger, safety.Config{
		DailyInviteLimit:    cfg.DailyInviteLimit,
		DailyMessageLimit:   cfg.DailyMessageLimit,
		WarmupRampDays:      cfg.WarmupRampDays,
		WarmupFloorFraction: cfg.WarmupFloorFraction,
		BreakerThreshold:    cfg.RiskBreakerThreshold,
		ErrorThreshold:      cfg.SessionErrorThreshold,
	})

	scheduler := schedule.NewScheduler(schedulerepo.NewPostgresRepository(conn), schedule.Config{
		StaggerInterval:       cfg.StaggerIntervalDuration(),
		StuckTimeout:          cfg.StuckStepTimeoutDuration(),
		ReclassifyAllFailures: cfg.ReclassifyAllFailures,
	})

	linkedin := executor.NewLinkedInExecutor(manager, cfg.ExecuteTimeoutDuration())

	brokers := cfg.KafkaBrokersList()
	var handoff executor.ChannelExecutor
	var emitter telemetry.EventEmitter
	if len(brokers) > 0 {
		writer := executor.NewHandoffWriter(brokers, cfg.HandoffKafkaTopic)
		defer writer.Close()
		handoff = executor.NewHandoffExecutor(writer)

		p, err := producer.NewKafkaProducer(brokers, cfg.EventsKafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer p.Close()
		emitter = p
	} else {
		// No broker: events go to OTel logs so they still reach the collector.
		emitter = otel.NewEventEmitter(providers.LoggerProvider)
	}

	dispatcher := executor.NewDispatcher(linkedin, handoff, handoff)

	w := worker.New(scheduler, manager, safetyEngine, dispatcher, auditLogger, emitter, worker.Config{
		PollInterval:   cfg.WorkerPollIntervalDuration(),
		BatchSize:      cfg.WorkerBatchSize,
		ExecuteTimeout: cfg.ExecuteTimeoutDuration(),
		ActionInterval: cfg.WorkerActionIntervalDuration(),
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	go maintenanceLoop(ctx, scheduler, cfg.StuckStepTimeoutDuration())

	if len(brokers) > 0 && cfg.LokiURL != "" {
		go shipEvents(ctx, brokers, cfg.EventsKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	}

	log.Printf("worker: polling every %s, batch size %d", cfg.WorkerPollIntervalDuration(), cfg.WorkerBatchSize)
	w.Run(ctx)

	// Give in-flight async emits time to finish before OTel shuts down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel: shutdown: %v", err)
	}
	log.Println("worker: stopped")
}

// maintenanceLoop periodically returns steps stuck in executing to pending.
func maintenanceLoop(ctx context.Context, scheduler *schedule.Scheduler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := scheduler.RecoverStuck(ctx)
			if err != nil {
				log.Printf("worker: recover stuck: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("worker: recovered %d stuck steps", n)
			}
		}
	}
}

// shipEvents consumes outreach events from Kafka and pushes them to Loki.
func shipEvents(ctx context.Context, brokers []string, topic, groupID, lokiURL string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Printf("worker: shipping events from %s (group %s) to %s", topic, groupID, lokiURL)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := loki.PushEventJSON(pushCtx, lokiURL, msg.Value); err != nil {
			log.Printf("worker: loki push failed: %v", err)
		}
		pushCancel()
	}
}
