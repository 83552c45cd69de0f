// seed loads a YAML proxy endpoint inventory, seals each credential with the
// vault, and upserts the pool. Idempotent: endpoints are keyed by
// (host, port, sticky id), so re-running refreshes credentials in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"outreach-control-plane/internal/config"
	"outreach-control-plane/internal/db"
	"outreach-control-plane/internal/proxy/domain"
	proxyrepo "outreach-control-plane/internal/proxy/repository"
	"outreach-control-plane/internal/vault"
)

type inventoryEndpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StickyID string `yaml:"stickyId"`
}

type inventory struct {
	Endpoints []inventoryEndpoint `yaml:"endpoints"`
}

func main() {
	file := flag.String("file", "proxies.yaml", "Path to the proxy endpoint inventory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	master, err := vault.LoadKey(cfg.VaultKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vault key:", err)
		os.Exit(1)
	}
	v, err := vault.New(master)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vault:", err)
		os.Exit(1)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read inventory:", err)
		os.Exit(1)
	}
	var inv inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		fmt.Fprintln(os.Stderr, "parse inventory:", err)
		os.Exit(1)
	}
	if len(inv.Endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "inventory has no endpoints")
		os.Exit(1)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(1)
	}
	defer conn.Close()

	repo := proxyrepo.NewPostgresRepository(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for i, e := range inv.Endpoints {
		if e.Host == "" || e.Port <= 0 {
			fmt.Fprintf(os.Stderr, "endpoint %d: host and port are required\n", i)
			os.Exit(1)
		}
		sealed, err := v.Seal(vault.LabelProxyCred, []byte(e.Password))
		if err != nil {
			fmt.Fprintf(os.Stderr, "endpoint %d: seal credential: %v\n", i, err)
			os.Exit(1)
		}
		ep := &domain.Endpoint{
			ID:          uuid.New().String(),
			Host:        e.Host,
			Port:        e.Port,
			Username:    e.Username,
			PasswordEnc: sealed,
			StickyID:    e.StickyID,
			CreatedAt:   now,
		}
		if err := repo.UpsertEndpoint(ctx, ep); err != nil {
			fmt.Fprintf(os.Stderr, "endpoint %d (%s:%d): %v\n", i, e.Host, e.Port, err)
			os.Exit(1)
		}
	}

	free, err := repo.CountFree(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "count free:", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d endpoints, %d free in pool\n", len(inv.Endpoints), free)
}
