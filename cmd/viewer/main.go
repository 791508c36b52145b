package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
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
		loopback   = flag.Bool("loopback", false, "gather loopback candidates for a broadcaster on this host")
		interval   = flag.Duration("status-interval", 5*time.Second, "how often to log the viewer status")
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

	clientOptions := signaling.DefaultClientOptions()
	clientOptions.Logger = logger
	clientOptions.ReconnectWait = cfg.Signaling.ReconnectWait
	clientOptions.MaxReconnect = cfg.Signaling.MaxReconnect

	client := signaling.NewClient(cfg.Signaling.URL, clientOptions)
	defer client.Close()

	viewer := agent.NewViewer(client, agent.ViewerOptions{
		API:        api,
		ICEServers: cfg.WebRTC.PeerICEServers(),
		Logger:     logger,
	})

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	logger.Info("connected to signaling server", "server", cfg.Signaling.URL)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := viewer.Leave(); err != nil {
				logger.Debug("leave not sent", "error", err)
			}
			return
		case <-client.Done():
			logger.Error("signaling connection closed")
			return
		case <-ticker.C:
			st := viewer.Status()
			logger.Info("status",
				"message", st.Message,
				"state", st.State,
				"offer_id", st.OfferID,
				"video_packets", st.Tracks["video"].Packets,
				"audio_packets", st.Tracks["audio"].Packets,
			)
		}
	}
}
