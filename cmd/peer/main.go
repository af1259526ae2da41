// Command peer runs one peernet client: it registers/logs in against a
// tracker, serves chunks of its local holdings to other peers, pulls
// files in on request, auto-announces its download directory, and joins
// the auxiliary chat-room facility.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peernet/peernet/internal/authcred"
	"github.com/peernet/peernet/internal/chattransport"
	"github.com/peernet/peernet/internal/config"
	"github.com/peernet/peernet/internal/controlclient"
	"github.com/peernet/peernet/internal/dirwatch"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/room"
	"github.com/peernet/peernet/internal/swarm"
)

func main() {
	username := flag.String("user", os.Getenv("PEER_USERNAME"), "account username (or set PEER_USERNAME)")
	password := flag.String("password", os.Getenv("PEER_PASSWORD"), "account password (or set PEER_PASSWORD)")
	register := flag.Bool("register", false, "register the account before logging in")
	fetch := flag.String("fetch", "", "file hash to fetch from the swarm, then exit")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatalf("a -user and -password (or PEER_USERNAME/PEER_PASSWORD) are required")
	}

	log.Printf("Starting peernet peer client for %s...", *username)

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "peer.config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join(filepath.Dir(workDir), "peer.config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Tracker: %s", cfg.TrackerAddr)
	log.Printf("  Data port: %d  Chat port: %d", cfg.DataPort, cfg.ChatPort)
	log.Printf("  Download dir: %s  Journal dir: %s", cfg.DownloadDir, cfg.JournalDir)

	for _, dir := range []string{cfg.DownloadDir, cfg.JournalDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	peerLog := logging.New("peer", cfg.LogDir)
	defer peerLog.Close()
	swarmLog := logging.New("swarm", cfg.LogDir)
	defer swarmLog.Close()
	chatLog := logging.New("chat", cfg.LogDir)
	defer chatLog.Close()
	roomLog := logging.New("room", cfg.LogDir)
	defer roomLog.Close()

	tracker := controlclient.New(cfg.TrackerAddr, peerLog)
	defer tracker.Close()

	passwordHash, err := authcred.Hash(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	if *register {
		resp, err := tracker.Call("register", map[string]interface{}{
			"username":      *username,
			"password_hash": passwordHash,
		})
		if err != nil {
			log.Fatalf("register request failed: %v", err)
		}
		if !resp.IsOK() {
			log.Printf("register: %s", resp.Message)
		}
	}

	dataAddr := net.JoinHostPort(localAdvertiseHost(), itoa(cfg.DataPort))
	chatAddr := net.JoinHostPort(localAdvertiseHost(), itoa(cfg.ChatPort))

	loginResp, err := tracker.Call("login", map[string]interface{}{
		"username":      *username,
		"password_hash": passwordHash,
		"data_addr":     dataAddr,
		"chat_addr":     chatAddr,
	})
	if err != nil {
		log.Fatalf("login request failed: %v", err)
	}
	if !loginResp.IsOK() {
		log.Fatalf("login rejected: %s", loginResp.Message)
	}
	log.Printf("Logged in as %s", *username)

	var secondsOnline, chunksServed int64
	states := swarm.NewStateMap()

	chunkServer := swarm.NewChunkServer(cfg.DataPort, cfg.DownloadDir, states, func() {
		atomic.AddInt64(&chunksServed, 1)
	}, swarmLog)

	downloaderCfg := swarm.DownloaderConfig{
		ScoreWeightTime:   cfg.ScoreWeightTime,
		ScoreWeightChunks: cfg.ScoreWeightChunks,
		WorkerBase:        cfg.WorkerBase,
		WorkerCap:         cfg.WorkerCap,
		WorkerDivider:     cfg.WorkerScoreDivider,
	}
	downloader := swarm.NewDownloader(tracker, states, cfg.DownloadDir, downloaderCfg,
		func() int64 { return atomic.LoadInt64(&secondsOnline) },
		func() int64 { return atomic.LoadInt64(&chunksServed) },
		swarmLog)

	announcer := swarm.NewAnnouncer(tracker, states, cfg.DownloadDir, swarmLog)
	if err := announcer.AnnounceAll(); err != nil {
		peerLog.Printf("initial announce scan failed: %v", err)
	}

	watcher, err := dirwatch.New(cfg.DownloadDir, 2*time.Second, func(path string) {
		if err := announcer.AnnounceFile(path); err != nil {
			peerLog.Printf("announce %s failed: %v", path, err)
		}
	}, peerLog)
	if err != nil {
		log.Fatalf("Failed to create download directory watcher: %v", err)
	}

	conns := chattransport.NewConnCache()
	defer conns.Close()
	roomManager := room.NewManager(*username, cfg.JournalDir, cfg.LogDir, tracker, conns, roomLog)
	chatServer := chattransport.NewServer(cfg.ChatPort, roomManager, chatLog)
	syncScheduler := room.NewSyncScheduler(roomManager, time.Duration(cfg.RoomSyncSeconds)*time.Second, cfg.RoomSyncFanout, roomLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	startedAt := time.Now()
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				atomic.StoreInt64(&secondsOnline, int64(time.Since(startedAt).Seconds()))
			}
		}
	}()

	var reportedSeconds, reportedChunks int64
	heartbeatDeltas := func() (int64, int64) {
		seconds, chunks := atomic.LoadInt64(&secondsOnline), atomic.LoadInt64(&chunksServed)
		return seconds - atomic.SwapInt64(&reportedSeconds, seconds), chunks - atomic.SwapInt64(&reportedChunks, chunks)
	}
	go tracker.HeartbeatLoop(ctx, time.Duration(cfg.HeartbeatSeconds)*time.Second, heartbeatDeltas,
		func() []string { return heldFileHashes(states) })

	go func() {
		if err := chunkServer.Start(stop); err != nil {
			peerLog.Printf("chunk server stopped: %v", err)
		}
	}()

	go func() {
		if err := chatServer.Start(stop); err != nil {
			chatLog.Printf("chat server stopped: %v", err)
		}
	}()

	if err := watcher.Start(); err != nil {
		peerLog.Printf("directory watcher failed to start: %v", err)
	}
	defer watcher.Stop()

	go syncScheduler.Run(stop)

	if *fetch != "" {
		go func() {
			log.Printf("fetching %s from the swarm...", *fetch)
			if err := downloader.Fetch(ctx, *fetch); err != nil {
				log.Printf("fetch %s failed: %v", *fetch, err)
				return
			}
			log.Printf("fetch %s complete", *fetch)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, logging out...")
	cancel()
	time.Sleep(300 * time.Millisecond)
	secondsDelta, chunksDelta := heartbeatDeltas()
	if _, err := tracker.Call("heartbeat", map[string]interface{}{
		"seconds_online_delta": secondsDelta,
		"chunks_served_delta":  chunksDelta,
		"file_hashes":          heldFileHashes(states),
	}); err != nil {
		peerLog.Printf("final heartbeat failed: %v", err)
	}
	log.Println("Peer stopped")
}

// heldFileHashes returns the hashes of files this peer currently holds in
// full, the set the tracker reconciles this peer's seed listing to on
// every heartbeat.
func heldFileHashes(states *swarm.StateMap) []string {
	var out []string
	for _, hash := range states.Keys() {
		if fs, ok := states.Get(hash); ok && fs.Complete() {
			out = append(out, hash)
		}
	}
	return out
}

// localAdvertiseHost returns the address other peers should use to reach
// this process's listeners. Overridable via PEER_ADVERTISE_HOST for
// peers behind NAT or running in containers; defaults to loopback for
// same-host development.
func localAdvertiseHost() string {
	if h := os.Getenv("PEER_ADVERTISE_HOST"); h != "" {
		return h
	}
	return "127.0.0.1"
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
