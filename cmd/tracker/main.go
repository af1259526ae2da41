// Command tracker runs the peernet tracker process: the control-protocol
// server (accounts, sessions, file index, room membership) and the
// read-only operator dashboard, both backed by a shared Store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peernet/peernet/internal/config"
	"github.com/peernet/peernet/internal/dashboard"
	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/trackersvc"
)

func main() {
	log.Printf("Starting peernet tracker...")

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "tracker.config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join(filepath.Dir(workDir), "tracker.config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Database: %s@%s:%d/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	log.Printf("  Control port: %d", cfg.TrackerControlPort)
	log.Printf("  Dashboard port: %d", cfg.DashboardPort)
	log.Printf("  Session TTL: %ds", cfg.SessionTTLSeconds)

	var store dbstore.Store
	if cfg.DBUser == "" && os.Getenv("TRACKER_MEM_STORE") != "" {
		log.Printf("TRACKER_MEM_STORE set and no db_user configured: running against an in-memory store")
		store = dbstore.NewMem()
	} else {
		pg, err := dbstore.Connect(cfg.ConnectionString())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		log.Println("Database connected successfully")

		if err := pg.Migrate(); err != nil {
			log.Printf("Warning: migration error: %v", err)
		}
		store = pg
	}

	trackerLog := logging.New("tracker", cfg.LogDir)
	defer trackerLog.Close()
	dashboardLog := logging.New("dashboard", cfg.LogDir)
	defer dashboardLog.Close()

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			log.Printf("Warning: failed to create log dir %s: %v", cfg.LogDir, err)
		}
	}

	sessionTTL := time.Duration(cfg.SessionTTLSeconds) * time.Second
	trackerSrv := trackersvc.New(cfg.TrackerControlPort, store, sessionTTL, cfg.ScoreWeightTime, cfg.ScoreWeightChunks, trackerLog)
	dashboardSrv := dashboard.New(cfg.DashboardPort, store, dashboardLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := trackerSrv.Start(ctx); err != nil {
			log.Printf("tracker control server stopped: %v", err)
		}
	}()

	go func() {
		if err := dashboardSrv.Start(ctx); err != nil {
			log.Printf("dashboard server stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping tracker...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	log.Println("Tracker stopped")
}
