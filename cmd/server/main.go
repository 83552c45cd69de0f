// server runs the operator HTTP API: session lifecycle, proxy resets,
// campaign scheduling, and safety policy management.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"outreach-control-plane/internal/security"
	"outreach-control-plane/internal/server"
	"outreach-control-plane/internal/session"
	sessiondomain "outreach-control-plane/internal/session/domain"
	sessionrepo "outreach-control-plane/internal/session/repository"
	"outreach-control-plane/internal/telemetry"
	"outreach-control-plane/internal/telemetry/otel"
	"outreach-control-plane/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("server: DATABASE_URL is required")
	}
	if cfg.APITokenSecret == "" {
		log.Fatal("server: API_TOKEN_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "outreach-server", cfg.OTLPInsecure)
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
	evaluator := engine.NewOPAEvaluator(safetyRepo)
	safetyEngine := safety.NewEngine(safetyRepo, evaluator, auditLogger, safety.Config{
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

	api := server.New(server.Deps{
		Sessions: manager,
		Proxies:  orch,
		Schedule: scheduler,
		Safety:   safetyEngine,
		Audit:    auditLogger,
		Tokens:   security.NewTokenVerifier(cfg.APITokenSecret, cfg.APITokenIssuer),
		Profiles: executor.NewLockedChecker(linkedin, manager),
		DB:       conn,
		Policy:   evaluator,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("server: shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
		cancel()
	}()

	log.Printf("server: listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}

	// Give in-flight async emits time to finish before OTel shuts down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel: shutdown: %v", err)
	}
	log.Println("server: stopped")
}
