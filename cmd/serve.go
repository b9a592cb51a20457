package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/persona"
	"github.com/timemachine-studio/tm-relay/internal/provider"
	providerfactory "github.com/timemachine-studio/tm-relay/internal/provider/factory"
	"github.com/timemachine-studio/tm-relay/internal/ratelimit"
	"github.com/timemachine-studio/tm-relay/internal/relay"
	"github.com/timemachine-studio/tm-relay/internal/server"
	"github.com/timemachine-studio/tm-relay/internal/speech"
	"github.com/timemachine-studio/tm-relay/internal/stream"
	"github.com/timemachine-studio/tm-relay/internal/tools"
)

const serveUsage = `Usage:
  tm-relay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	// Secrets land in the environment before ${VAR} expansion in the config.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	personas, err := persona.NewRegistry(cfg.Personas)
	if err != nil {
		return err
	}

	limits := make(map[string]int, len(cfg.Personas.Profiles))
	for id, profile := range cfg.Personas.Profiles {
		limits[id] = profile.DailyLimit
	}

	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case "redis":
		redisStore := ratelimit.NewRedisStore(cfg.RateLimit.RedisAddr)
		defer redisStore.Close()
		store = redisStore
	default:
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(store, limits, nil)

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}

	serviceClient := providerfactory.NewHTTPClient(60 * time.Second)
	dispatcher := tools.NewDispatcher(cfg.Services, serviceClient, logger)
	speechClient := speech.NewClient(cfg.Services, cfg.Providers.Groq.APIKey, serviceClient, logger)
	normalizer := stream.NewNormalizer(logger)

	rl := relay.New(personas, limiter, registry, normalizer, dispatcher, speechClient, cfg.Personas.VoicePrompt, logger)

	srv, err := server.New(cfg, rl, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
