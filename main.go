package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/deckhand-sh/deckhand/internal/auth"
	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/commands"
	"github.com/deckhand-sh/deckhand/internal/config"
	"github.com/deckhand-sh/deckhand/internal/crypto"
	"github.com/deckhand-sh/deckhand/internal/datasync"
	"github.com/deckhand-sh/deckhand/internal/geoip"
	"github.com/deckhand-sh/deckhand/internal/handlers"
	"github.com/deckhand-sh/deckhand/internal/logging"
	"github.com/deckhand-sh/deckhand/internal/orchestrator"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--mint-token" {
		runMintToken()
		return
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	key, err := crypto.EnsureKey(config.Cfg.DataDir, config.Cfg.AuthKey)
	if err != nil {
		log.Fatalf("Auth key init: %v", err)
	}
	authn := auth.New(key, config.Cfg.AllowAnonymous)
	log.Printf("Config: listen=%s, allow_anonymous=%v, data_dir=%s",
		config.Cfg.GatewayListen, config.Cfg.AllowAnonymous, config.Cfg.DataDir)

	registry := sshconn.NewRegistry()

	b := broker.New(broker.Options{
		FrameMaxBytes: config.Cfg.FrameMaxBytes,
		InboundQueue:  config.Cfg.InboundQueue,
		WriterQueue:   config.Cfg.WriterQueue,
		WorkersMin:    config.Cfg.WorkerPoolMin,
		WorkersMax:    config.Cfg.WorkerPoolMax,
		Heartbeat:     config.Cfg.HeartbeatInterval,
	}, authn.Authenticate)

	geo := geoip.New(config.Cfg.GeoEndpoints)

	orch := orchestrator.New(orchestrator.Config{
		Mirrors: commands.Mirrors{
			Apt:    config.Cfg.AptMirrorCN,
			Yum:    config.Cfg.YumMirrorCN,
			Docker: config.Cfg.DockerMirrorCN,
		},
		ConfirmTTL: config.Cfg.ConfirmTTL,
	}, geo, handlers.NewNotifier(b))

	data := datasync.New(datasync.Options{
		DataDir:           config.Cfg.DataDir,
		UploadDir:         config.Cfg.UploadDir,
		ExportTTL:         config.Cfg.ExportTTL,
		ImportMaxBytes:    config.Cfg.ImportMaxBytes,
		SnapshotRetention: config.Cfg.SnapshotRetention,
	}, key)

	gw := handlers.New(b, registry, orch, data, handlers.Defaults{
		Container: config.Cfg.DefaultContainer,
		Image:     config.Cfg.DefaultImage,
		AppPort:   config.Cfg.DefaultAppPort,
	})
	gw.Register()

	// Background sweeps: idle SSH sessions, expired export artifacts, and
	// target-side import snapshots past retention.
	jobs := cron.New()
	jobs.AddFunc("@every 1m", func() {
		if n := registry.SweepIdle(config.Cfg.SessionIdleTTL); n > 0 {
			log.Printf("[sweep] evicted %d idle SSH sessions", n)
		}
	})
	jobs.AddFunc("@every 10m", func() {
		if n := data.SweepArtifacts(); n > 0 {
			log.Printf("[sweep] removed %d export artifacts", n)
		}
	})
	jobs.AddFunc("@every 1h", func() {
		n := data.SweepSnapshots(func(sessionID string) (datasync.Conn, bool) {
			sess, ok := registry.Get(sessionID)
			if !ok {
				return nil, false
			}
			return sess, true
		})
		if n > 0 {
			log.Printf("[sweep] cleaned %d import snapshots", n)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	gw.Routes(r)

	srv := &http.Server{
		Addr:    config.Cfg.GatewayListen,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Gateway starting on %s", config.Cfg.GatewayListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	b.Stop()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Gateway stopped")
}

// runMintToken seals an auth token against the gateway key so operators can
// hand out admin or user credentials without a user table.
func runMintToken() {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	principal := fs.String("principal", "", "Name embedded in the token")
	role := fs.String("role", "user", "Role: admin or user")
	fs.Parse(os.Args[2:])

	if *principal == "" {
		fmt.Fprintln(os.Stderr, "Usage: deckhand --mint-token --principal <name> [--role admin|user]")
		os.Exit(1)
	}

	config.Load()
	key, err := crypto.EnsureKey(config.Cfg.DataDir, config.Cfg.AuthKey)
	if err != nil {
		log.Fatalf("Auth key init: %v", err)
	}

	token, err := auth.New(key, false).Mint(*principal, auth.Role(*role))
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Printf("Token for %s (%s), valid %s:\n%s\n", *principal, *role, auth.TokenTTL, token)
}
