package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/api"
	"github.com/lorawan-server/sc-gateway/internal/auth"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/gateway"
	"github.com/lorawan-server/sc-gateway/internal/mirror"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/internal/storage"
)

func main() {
	var (
		configFile string
		issueToken string
		tokenTTL   time.Duration
	)
	flag.StringVar(&configFile, "config", "config/sc-gateway.yml", "configuration file")
	flag.StringVar(&issueToken, "issue-token", "", "print an operator API token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if issueToken != "" {
		if cfg.API.JWTSecret == "" {
			log.Fatal().Msg("api.jwt_secret is not set")
		}
		token, err := auth.NewJWTManager(cfg.API.JWTSecret).GenerateToken(issueToken, tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	setupLogging(cfg.Log)

	session := uuid.New()
	log.Logger = log.With().Str("session", session.String()).Logger()
	log.Info().Msg("Single channel gateway starting")
	cfg.PrintConfigSummary()

	events := radio.NewEventQueue(cfg.Radio.EventQueueSize)
	hal, err := newHAL(cfg.Radio.Driver, events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise radio")
	}

	transport, err := gateway.ListenUDP(cfg.Backend.LocalBind, cfg.Backend.Server, cfg.Backend.WriteTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend socket")
	}

	publisher := newMirror(cfg)
	if publisher != nil {
		defer publisher.Close()
	}

	opts := gateway.Options{
		Config:    cfg,
		HAL:       hal,
		Events:    events,
		Transport: transport,
		State:     storage.NewFileStore(cfg.Gateway.StateFile),
		Session:   session,
	}
	if publisher != nil {
		opts.Mirror = publisher
	}
	gw, err := gateway.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport.Start(ctx)

	var server *api.RESTServer
	if cfg.API.Enabled {
		server = api.NewRESTServer(cfg.API, gw)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Status API stopped")
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- gw.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-done:
		log.Error().Err(err).Msg("Gateway loop exited")
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	cancel()
	log.Info().Msg("Single channel gateway stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newHAL returns the transceiver driver. Only the simulated radio ships with
// this module; hardware drivers implement radio.HAL out of tree.
func newHAL(driver string, events *radio.EventQueue) (radio.HAL, error) {
	switch driver {
	case "sim":
		return radio.NewRealtimeSimHAL(events), nil
	default:
		return nil, fmt.Errorf("unsupported radio driver %q", driver)
	}
}

// newMirror connects the configured brokers. A broker that cannot be set up
// is logged and skipped; the gateway runs without it.
func newMirror(cfg *config.Config) mirror.Publisher {
	var pubs mirror.Multi

	if cfg.NATS.URL != "" {
		p, err := mirror.NewNATSPublisher(cfg.NATS)
		if err != nil {
			log.Error().Err(err).Msg("NATS mirror disabled")
		} else {
			pubs = append(pubs, p)
		}
	}
	if cfg.MQTT.BrokerURL != "" {
		p, err := mirror.NewMQTTPublisher(cfg.MQTT, cfg.GatewayEUI())
		if err != nil {
			log.Error().Err(err).Msg("MQTT mirror disabled")
		} else {
			pubs = append(pubs, p)
		}
	}

	switch len(pubs) {
	case 0:
		return nil
	case 1:
		return pubs[0]
	}
	return pubs
}
