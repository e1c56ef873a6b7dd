package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wingmanux/wingman/internal/agent"
)

func main() {
	var (
		port      = flag.Int("port", 0, "local port to expose (0 = auto-detect)")
		relay     = flag.String("relay", "http://localhost:8787", "relay base URL")
		sessionID = flag.String("session", "", "reuse an existing session instead of creating one")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	setupLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targetPort := *port
	if targetPort == 0 {
		detected := agent.Detect(ctx, agent.DefaultPorts, time.Second)
		if len(detected) == 0 {
			fmt.Fprintln(os.Stderr, "no local server detected; pass --port")
			os.Exit(1)
		}
		targetPort = detected[0]
		log.Info().Int("port", targetPort).Msg("Detected local server")
	}

	session := *sessionID
	if session == "" {
		created, err := agent.CreateSession(ctx, *relay, targetPort)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create session")
		}
		session = created.SessionID
		log.Info().
			Str("session", created.SessionID).
			Str("tunnel_url", created.TunnelURL).
			Msg("Session created")
		fmt.Printf("Tunnel ready: %s -> http://127.0.0.1:%d\n", created.TunnelURL, targetPort)
	}

	a := agent.New(agent.Config{
		RelayURL:   *relay,
		SessionID:  session,
		TargetPort: targetPort,
		Logger:     log.Logger,
	})

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Agent exited with error")
	}

	log.Info().Msg("Agent exited")
}

func setupLogger(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
