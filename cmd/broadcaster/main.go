package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/HMasataka/castline/internal/agent"
	"github.com/HMasataka/castline/internal/config"
	"github.com/HMasataka/castline/internal/logging"
	cwebrtc "github.com/HMasataka/castline/internal/webrtc"
	"github.com/HMasataka/castline/pkg/signaling"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or JSON config file")
		envFile    = flag.String("env", "", "env file to load before reading the environment")
		loopback   = flag.Bool("loopback", false, "gather loopback candidates for viewers on this host")
	)
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiOptions := cwebrtc.DefaultAPIOptions()
	if *loopback {
		apiOptions = cwebrtc.LoopbackAPIOptions()
	}
	api, err := cwebrtc.NewAPI(apiOptions)
	if err != nil {
		log.Fatalf("failed to create WebRTC API: %v", err)
	}

	tracks, err := cwebrtc.NewTracks("castline")
	if err != nil {
		log.Fatalf("failed to create tracks: %v", err)
	}

	var wg sync.WaitGroup
	for _, src := range []struct {
		kind string
		addr string
		w    cwebrtc.RTPWriter
	}{
		{"video", cfg.Media.VideoAddr, tracks.Video},
		{"audio", cfg.Media.AudioAddr, tracks.Audio},
	} {
		if src.addr == "" {
			continue
		}

		conn, err := cwebrtc.ListenRTP(src.addr)
		if err != nil {
			log.Fatalf("failed to listen for %s RTP: %v", src.kind, err)
		}
		defer conn.Close()

		srcLogger := logger.With("kind", src.kind, "addr", src.addr)
		srcLogger.Info("reading RTP")

		wg.Add(1)
		go func(w cwebrtc.RTPWriter) {
			defer wg.Done()
			if err := cwebrtc.PumpRTP(ctx, conn, w, cwebrtc.DefaultMTU, srcLogger); err != nil {
				srcLogger.Error("RTP source stopped", "error", err)
			}
		}(src.w)
	}

	clientOptions := signaling.DefaultClientOptions()
	clientOptions.Logger = logger
	clientOptions.ReconnectWait = cfg.Signaling.ReconnectWait
	clientOptions.MaxReconnect = cfg.Signaling.MaxReconnect

	client := signaling.NewClient(cfg.Signaling.URL, clientOptions)

	broadcaster := agent.NewBroadcaster(client, agent.BroadcasterOptions{
		API:        api,
		ICEServers: cfg.WebRTC.PeerICEServers(),
		Tracks:     tracks,
		Logger:     logger,
	})

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	logger.Info("connected to signaling server", "server", cfg.Signaling.URL)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-client.Done():
			logger.Error("signaling connection closed")
			break loop
		case <-ticker.C:
			st := broadcaster.Status()
			logger.Info("status", "live", st.Live, "message", st.Message, "viewers", len(st.Viewers))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := broadcaster.Stop(stopCtx); err != nil {
		logger.Warn("broadcast not confirmed stopped", "error", err)
	}

	client.Close()
	stop()
	wg.Wait()
}
