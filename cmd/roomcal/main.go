package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"roomcal/internal/booking"
	"roomcal/internal/broadcast"
	"roomcal/internal/config"
	appLog "roomcal/internal/log"
	"roomcal/internal/store"
	"roomcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	database   string
	logLevel   string
	keepAlive  time.Duration
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotenv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		appLog.Error("invalid environment override", err)
		os.Exit(1)
	}

	// CLI flags override file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.database != "" {
		conf.DatabasePath = flags.database
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("roomcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"room_timezones", len(conf.RoomTimezones),
		"database_path", conf.DatabasePath,
		"relay", conf.Relay.Addr != "",
		"basic_auth", conf.BasicAuth != nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("roomcal failed", err)
		os.Exit(1)
	}
	appLog.Info("roomcal exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	st, err := store.Open(store.Config{Path: conf.DatabasePath})
	if err != nil {
		return err
	}
	defer st.Close()

	b := broadcast.New(nil)
	var notifier booking.Notifier = b
	if conf.Relay.Addr != "" {
		relay := broadcast.NewRelay(b, broadcast.RelayConfig{
			Addr:     conf.Relay.Addr,
			Password: conf.Relay.Password,
			DB:       conf.Relay.DB,
			Channel:  conf.Relay.Channel,
		})
		defer relay.Close()
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("relay stopped", err, "addr", conf.Relay.Addr)
			}
		}()
		notifier = relay
	}

	svc := booking.New(booking.Options{
		Store:    st,
		Notifier: notifier,
		Location: conf.RoomLocation,
	})
	srv := web.NewServer(web.Options{
		Config:      conf,
		Booking:     svc,
		Broadcaster: b,
		Devices:     st,
		KeepAlive:   flags.keepAlive,
	})

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	appLog.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http server shutdown incomplete", "err", err)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVarP(&cfg.configPath, "config", "c", "/etc/roomcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Dotenv file with ROOMCAL_* overrides")
	flag.StringVarP(&cfg.listen, "listen", "l", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.database, "database", "", "SQLite database path (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	flag.DurationVar(&cfg.keepAlive, "keepalive", 0, "Interval of keep-alive comments on idle change streams; a failed comment drops the session. 0 disables, leaving dead sessions to be pruned on the next failed broadcast")

	flag.Parse()

	return cfg
}
