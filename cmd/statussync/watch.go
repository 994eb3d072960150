package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sleepy-project/statussync/internal/api"
	"github.com/sleepy-project/statussync/internal/cloud"
	"github.com/sleepy-project/statussync/internal/config"
	"github.com/sleepy-project/statussync/internal/history"
	"github.com/sleepy-project/statussync/internal/livesync"
	"github.com/sleepy-project/statussync/internal/publish"
	"github.com/sleepy-project/statussync/internal/status"
)

// watch runs the sync client, the dashboard and the snapshot sinks until
// SIGINT or SIGTERM.
func watch(cfg *config.Config, log *logrus.Logger, entry *logrus.Entry, session string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logBuf := api.NewLogBuffer(500)
	log.AddHook(logBuf)
	events := api.NewEventBuffer(100)
	board := api.NewBoard(cfg.Server.ViewerTimeout, !cfg.Server.Enabled)

	entry.WithFields(logrus.Fields{
		"backend":   cfg.API.BaseURL,
		"transport": cfg.Sync.Transport,
	}).Info("statussync starting")

	apiClient := newAPIClient(cfg, entry, session)

	var transport livesync.Transport
	switch cfg.Sync.Transport {
	case "sse":
		transport = cloud.NewSSETransport(cfg.StreamURL(), session, component(entry, "sse"))
	case "websocket":
		transport = cloud.NewWSTransport(cfg.StreamURL(), session, cfg.Sync.PingInterval, component(entry, "websocket"))
	}

	var prober livesync.Prober
	if cfg.Sync.Probe {
		prober = cloud.NewProber(cfg.API.URL(cfg.API.ProbePath), cfg.API.Timeout, component(entry, "probe"))
	}

	var (
		sinks []livesync.Sink
		usage api.UsageSource
	)
	db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	if db != nil {
		defer closeHistory(db, entry)
		store, err := history.NewStore(db, cfg.History.TopActivities, component(entry, "history"))
		if err != nil {
			return err
		}
		sinks = append(sinks, store)
		usage = store
	}
	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "statussync-" + session[:8]
		}
		pub, err := publish.NewPublisher(publish.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    clientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, component(entry, "mqtt"))
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	var (
		sink      livesync.Sink
		sinkWG    sync.WaitGroup
		sinkCtx   context.Context
		sinkClose context.CancelFunc
	)
	if len(sinks) > 0 {
		fan := livesync.NewFanout(64, component(entry, "fanout"), sinks...)
		sinkCtx, sinkClose = context.WithCancel(context.Background())
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			fan.Run(sinkCtx)
		}()
		sink = fan
	}

	client := livesync.New(livesync.Options{
		BaseDelay:      cfg.Sync.ReconnectDelay,
		MaxDelay:       cfg.Sync.MaxReconnectDelay,
		WatchdogPeriod: cfg.Sync.WatchdogPeriod,
		StaleAfter:     cfg.Sync.StaleAfter,
		PollInterval:   cfg.Sync.PollInterval,
		DeviceSlice:    cfg.Sync.DeviceSlice,
	}, livesync.Deps{
		API:        apiClient,
		Transport:  transport,
		Probe:      prober,
		Renderer:   board,
		Visibility: board,
		Sink:       sink,
		Events:     events,
		Logger:     component(entry, "sync"),
	})

	var srv *api.Server
	if cfg.Server.Enabled {
		srv = api.NewServer(cfg.Server, api.Deps{
			Board:  board,
			Sync:   client,
			Logs:   logBuf,
			Events: events,
			Usage:  usage,
		}, component(entry, "dashboard"))
		go func() {
			if err := srv.Start(); err != nil {
				entry.WithError(err).Error("dashboard stopped")
				stop()
			}
		}()
	}

	shutdown := func() {
		client.Stop()
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				entry.WithError(err).Warn("dashboard shutdown")
			}
		}
		if sinkClose != nil {
			sinkClose()
			sinkWG.Wait()
		}
	}

	if err := client.Start(ctx); err != nil {
		shutdown()
		if errors.Is(err, livesync.ErrStopped) {
			return nil
		}
		return err
	}

	<-ctx.Done()
	entry.Info("shutting down")
	shutdown()
	return nil
}

func newAPIClient(cfg *config.Config, entry *logrus.Entry, session string) *cloud.APIClient {
	return cloud.NewAPIClient(cfg.API.BaseURL, cloud.APIOptions{
		QueryPath: cfg.API.QueryPath,
		ClientID:  session,
		Timeout:   cfg.API.Timeout,
	}, component(entry, "api"))
}

// setStatus posts a new status, logging in with the password when no token
// is configured.
func setStatus(cfg *config.Config, entry *logrus.Entry, session string, opts *options, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: statussync set-status <online|away|offline|busy|0-3>")
	}
	st, ok := status.Parse(args[0])
	if !ok {
		return fmt.Errorf("unknown status %q", args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newAPIClient(cfg, entry, session)

	token := cfg.API.Token
	if token == "" {
		if cfg.API.Password == "" {
			return errors.New("set --token or --password (or api.token / api.password)")
		}
		tokens, err := client.Login(ctx, cfg.API.Password, false)
		if err != nil {
			if errors.Is(err, cloud.ErrUnauthorized) {
				return fmt.Errorf("%w: check the panel password", err)
			}
			return err
		}
		token = tokens.Token
	}

	if err := client.SetStatus(ctx, token, st); err != nil {
		if errors.Is(err, cloud.ErrUnauthorized) {
			return fmt.Errorf("%w: log in again with --password or a fresh --token", err)
		}
		return err
	}

	text, _ := st.Label()
	fmt.Printf("Status set to %s\n", text)
	return nil
}

// printUsage prints the screen-usage report for a day
func printUsage(cfg *config.Config, entry *logrus.Entry, args []string) error {
	day := time.Now()
	if len(args) > 0 {
		parsed, err := time.ParseInLocation("2006-01-02", args[0], time.Local)
		if err != nil {
			return fmt.Errorf("day must be YYYY-MM-DD: %w", err)
		}
		day = parsed
	}

	db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer closeHistory(db, entry)
	store, err := history.NewStore(db, cfg.History.TopActivities, component(entry, "history"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := store.Usage(ctx, day)
	if err != nil {
		return err
	}

	fmt.Printf("Screen usage for %s\n", report.Day)
	if len(report.Devices) == 0 {
		fmt.Println("  no recorded usage")
		return nil
	}
	for _, d := range report.Devices {
		name := d.Name
		if name == "" {
			name = d.DeviceID
		}
		fmt.Printf("\n  %s  %s\n", name, d.Total.Round(time.Minute))
		for _, a := range d.Activities {
			fmt.Printf("    %-40s %s\n", status.Truncate(a.Activity, 37), a.Duration.Round(time.Minute))
		}
	}
	return nil
}

func closeHistory(db *gorm.DB, entry *logrus.Entry) {
	if err := history.Close(db); err != nil {
		entry.WithError(err).Warn("closing history database")
	}
}
