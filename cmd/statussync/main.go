package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/sleepy-project/statussync/internal/config"
	"github.com/sleepy-project/statussync/internal/logging"
)

const usageText = `statussync keeps a live view of a status dashboard backend.

Usage:
  statussync [flags] [command] [args]

Commands:
  watch                      sync status and serve the local dashboard (default)
  set-status <status>        set status: online, away, offline, busy or 0-3
  usage [YYYY-MM-DD]         print the screen-usage report for a day
  init-config [path]         write the default configuration (config.yaml)

Flags:
`

// options are the command line flags
type options struct {
	configPath string
	baseURL    string
	transport  string
	logLevel   string
	token      string
	password   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs, opts := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cmd, rest := "watch", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	if cmd == "init-config" {
		return initConfig(rest)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(fs, opts, cfg); err != nil {
		return err
	}

	log, closer, err := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	session := uuid.NewString()
	entry := log.WithField("session", session)
	if cfg.ConfigPath != "" {
		entry.WithField("path", cfg.ConfigPath).Debug("configuration loaded")
	}

	switch cmd {
	case "watch":
		return watch(cfg, log, entry, session)
	case "set-status":
		return setStatus(cfg, entry, session, opts, rest)
	case "usage":
		return printUsage(cfg, entry, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet() (*pflag.FlagSet, *options) {
	opts := &options{}
	fs := pflag.NewFlagSet("statussync", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: search ., ./configs, /etc/statussync)")
	fs.StringVar(&opts.baseURL, "base-url", "", "status backend URL, overrides api.base_url")
	fs.StringVar(&opts.transport, "transport", "", "push transport: sse, websocket or none")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&opts.token, "token", "", "access token for set-status")
	fs.StringVar(&opts.password, "password", "", "panel password for set-status")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	return fs, opts
}

// applyFlags overrides configuration with explicitly set flags
func applyFlags(fs *pflag.FlagSet, opts *options, cfg *config.Config) error {
	if fs.Changed("base-url") {
		cfg.API.BaseURL = opts.baseURL
	}
	if fs.Changed("transport") {
		cfg.Sync.Transport = opts.transport
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if fs.Changed("token") {
		cfg.API.Token = opts.token
	}
	if fs.Changed("password") {
		cfg.API.Password = opts.password
	}
	return cfg.Validate()
}

func initConfig(args []string) error {
	path := "config.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

func component(entry *logrus.Entry, name string) *logrus.Entry {
	return entry.WithField("component", name)
}
