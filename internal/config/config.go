// Package config loads runtime configuration for the tracker and peer
// binaries from defaults, an optional config file, and environment
// variables, in increasing order of precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration shared by the tracker and peer
// processes. Not every field applies to both; unused fields are simply
// ignored by the binary that doesn't need them.
type Config struct {
	// Tracker database configuration
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Tracker network configuration
	TrackerControlPort int // control-protocol listen port
	DashboardPort       int // read-only operator HTTP+websocket port

	// Peer network configuration
	DataPort    int // chunk-server listen port
	ChatPort    int // chat-transport listen port
	TrackerAddr string // tracker's host:port for control-protocol connections

	// Shared directories
	DownloadDir string
	JournalDir  string // chat room journal directory (room_<id>.json); room audit logs go to LogDir
	LogDir      string // optional dedicated per-subsystem log files; empty disables

	// Protocol timing, per spec
	SessionTTLSeconds    int     // active-peer session TTL
	HeartbeatSeconds     int     // H: peer heartbeat interval
	RoomSyncSeconds      int     // S: room pull-sync interval
	ChunkSizeBytes       int64   // B: chunk size; not read by internal/chunking, which uses the fixed chunking.Size
	ScoreWeightTime      float64 // W_time
	ScoreWeightChunks    float64 // W_chunks
	WorkerBase           int     // download worker-pool base size
	WorkerCap            int     // download worker-pool cap
	WorkerScoreDivider   float64 // SCORE_DIVIDER
	RoomMaxHistory       int     // not read; rooms trim to the max_history stored with each room
	RoomSyncFanout       int     // members contacted per sync round

	// Loaded from the config file and environment (default false) but not
	// read by the chunk server, which serves partial chunks without
	// re-hashing them (Open Question 2).
	VerifyOnServe bool
}

// Load reads configuration from an optional key=value file and then from
// environment variables, applying defaults first.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBName:     "peernet",
		DBUser:     "",
		DBPassword: "",

		TrackerControlPort: 9090,
		DashboardPort:      9091,

		DataPort:    9000,
		ChatPort:    9001,
		TrackerAddr: "localhost:9090",

		DownloadDir: "./downloads",
		JournalDir:  "./rooms",
		LogDir:      "",

		SessionTTLSeconds:  15 * 60,
		HeartbeatSeconds:   60,
		RoomSyncSeconds:    120,
		ChunkSizeBytes:     1 << 20,
		ScoreWeightTime:    1.0,
		ScoreWeightChunks:  10.0,
		WorkerBase:         2,
		WorkerCap:          15,
		WorkerScoreDivider: 100.0,
		RoomMaxHistory:     500,
		RoomSyncFanout:     2,

		VerifyOnServe: false,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "db_host":
			cfg.DBHost = value
		case "db_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = n
			}
		case "db_name":
			cfg.DBName = value
		case "db_user":
			cfg.DBUser = value
		case "db_password":
			cfg.DBPassword = value
		case "tracker_control_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.TrackerControlPort = n
			}
		case "dashboard_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DashboardPort = n
			}
		case "data_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DataPort = n
			}
		case "chat_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ChatPort = n
			}
		case "tracker_addr":
			cfg.TrackerAddr = value
		case "download_dir":
			cfg.DownloadDir = value
		case "journal_dir":
			cfg.JournalDir = value
		case "log_dir":
			cfg.LogDir = value
		case "session_ttl_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.SessionTTLSeconds = n
			}
		case "heartbeat_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.HeartbeatSeconds = n
			}
		case "room_sync_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.RoomSyncSeconds = n
			}
		case "chunk_size_bytes":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.ChunkSizeBytes = n
			}
		case "score_weight_time":
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.ScoreWeightTime = n
			}
		case "score_weight_chunks":
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.ScoreWeightChunks = n
			}
		case "worker_base":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.WorkerBase = n
			}
		case "worker_cap":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.WorkerCap = n
			}
		case "worker_score_divider":
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.WorkerScoreDivider = n
			}
		case "room_max_history":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.RoomMaxHistory = n
			}
		case "room_sync_fanout":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.RoomSyncFanout = n
			}
		case "verify_on_serve":
			cfg.VerifyOnServe = value == "true" || value == "1" || value == "yes"
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatv := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}

	str("DB_HOST", &cfg.DBHost)
	intv("DB_PORT", &cfg.DBPort)
	str("DB_NAME", &cfg.DBName)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	intv("TRACKER_CONTROL_PORT", &cfg.TrackerControlPort)
	intv("DASHBOARD_PORT", &cfg.DashboardPort)
	intv("DATA_PORT", &cfg.DataPort)
	intv("CHAT_PORT", &cfg.ChatPort)
	str("TRACKER_ADDR", &cfg.TrackerAddr)
	str("DOWNLOAD_DIR", &cfg.DownloadDir)
	str("JOURNAL_DIR", &cfg.JournalDir)
	str("LOG_DIR", &cfg.LogDir)
	intv("SESSION_TTL_SECONDS", &cfg.SessionTTLSeconds)
	intv("HEARTBEAT_SECONDS", &cfg.HeartbeatSeconds)
	intv("ROOM_SYNC_SECONDS", &cfg.RoomSyncSeconds)
	floatv("SCORE_WEIGHT_TIME", &cfg.ScoreWeightTime)
	floatv("SCORE_WEIGHT_CHUNKS", &cfg.ScoreWeightChunks)
	intv("WORKER_BASE", &cfg.WorkerBase)
	intv("WORKER_CAP", &cfg.WorkerCap)
	floatv("WORKER_SCORE_DIVIDER", &cfg.WorkerScoreDivider)
	intv("ROOM_MAX_HISTORY", &cfg.RoomMaxHistory)
	intv("ROOM_SYNC_FANOUT", &cfg.RoomSyncFanout)

	if v := os.Getenv("VERIFY_ON_SERVE"); v != "" {
		cfg.VerifyOnServe = v == "true" || v == "1" || v == "yes"
	}
}

// ConnectionString returns a PostgreSQL connection string for the
// tracker's data store.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}
