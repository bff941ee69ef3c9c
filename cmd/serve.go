package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"aihub-gateway/internal/auth"
	"aihub-gateway/internal/config"
	"aihub-gateway/internal/credentials"
	"aihub-gateway/internal/datastore"
	"aihub-gateway/internal/gateway"
	providerfactory "aihub-gateway/internal/provider/factory"
	"aihub-gateway/internal/server"
	"aihub-gateway/internal/tableselect"
)

const serveUsage = `Usage:
  aihub-gateway serve --config <path> [--port <port>]

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

	store, verifier, err := buildDatastore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := providerfactory.Build(cfg)
	if err != nil {
		return err
	}

	resolver := credentials.NewResolver(store, credentials.Defaults{
		Gemini:     cfg.Providers.Gemini.APIKey,
		OpenRouter: cfg.Providers.OpenRouter.APIKey,
		OpenAI:     cfg.Providers.OpenAI.APIKey,
	})

	gw := gateway.New(
		resolver,
		providers.Gemini,
		providers.OpenRouter,
		providers.OpenAI,
		credentials.Sanitize(cfg.Providers.OpenRouter.APIKey),
		cfg.Providers.OpenRouter.Model,
	)

	selector := tableselect.New(cfg.Tables.Known, store)

	srv, err := server.New(cfg, gw, store, selector, verifier)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// buildDatastore constructs the configured store and the matching token
// verifier. The two come as a pair: hosted deployments verify against the
// same project that serves the data, local ones run without an identity
// provider.
func buildDatastore(cfg config.Config) (datastore.Store, auth.Verifier, error) {
	switch cfg.Datastore.Driver {
	case config.DriverPostgREST:
		client := providerfactory.NewHTTPClient(30 * time.Second)
		store, err := datastore.NewPostgREST(cfg.Datastore.URL, cfg.Datastore.ServiceKey, client)
		if err != nil {
			return nil, nil, err
		}
		verifier, err := auth.NewSupabase(cfg.Datastore.URL, cfg.Datastore.ServiceKey, client)
		if err != nil {
			return nil, nil, err
		}
		return store, verifier, nil

	case config.DriverSQLite:
		store, err := datastore.NewSQLite(cfg.Datastore.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, auth.Static{}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported datastore driver %q", cfg.Datastore.Driver)
	}
}
