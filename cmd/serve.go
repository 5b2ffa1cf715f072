package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"nim-relay/internal/config"
	"nim-relay/internal/modelmap"
	"nim-relay/internal/server"
	"nim-relay/internal/transcoder"
	"nim-relay/internal/upstream/nim"
)

const serveUsage = `Usage:
  nim-relay serve [--port <port>] [--models <path>] [--env <path>]

Flags:
  --port   int      Override listening port (default from PORT, 10000)
  --models string   Path to a YAML file overriding the model mapping table
  --env    string   Path to a .env file loaded before reading the environment`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var envFile string
	var modelsPath string
	var overridePort int
	fs.StringVar(&envFile, "env", "", "path to .env file")
	fs.StringVar(&modelsPath, "models", "", "path to model mapping file")
	fs.IntVar(&overridePort, "port", 0, "override listening port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Port = overridePort
	}

	table := modelmap.Default()
	if modelsPath != "" {
		table, err = modelmap.LoadFile(modelsPath)
		if err != nil {
			return err
		}
	}

	client, err := nim.New(cfg.NVIDIABaseURL, cfg.NVIDIAAPIKey)
	if err != nil {
		return err
	}

	tc := transcoder.New(cfg, table, client)

	srv, err := server.New(cfg, table, tc)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
