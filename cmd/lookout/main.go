package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/gnuflag"
	"github.com/nkkko/lookout/internal/config"
	"github.com/nkkko/lookout/internal/engine"
	"github.com/nkkko/lookout/internal/logging"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath string
	dataDir    string
	addr       string
	logLevel   string
	watch      bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := gnuflag.NewFlagSet("lookout", gnuflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", os.Getenv("LOOKOUT_CONFIG"), "path to the YAML configuration file")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory of the badger state store")
	fs.StringVar(&opts.addr, "addr", "", "listen address of the admin API")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.watch, "watch", true, "reload subscriptions when the config file changes")
	if err := fs.Parse(true, args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == gnuflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "lookout: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(opts.configPath, opts.dataDir, opts.addr, opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookout: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "lookout: failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	watchPath := ""
	if opts.watch {
		watchPath = opts.configPath
	}

	eng, err := engine.New(cfg, watchPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("config", opts.configPath).
		Msg("Starting lookout")

	if err := eng.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Lookout stopped with error")
		stop()
		os.Exit(1)
	}
}
