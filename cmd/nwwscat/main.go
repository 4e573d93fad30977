// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command nwwscat tails the NWWS-OI feed to stdout, optionally
// relaying every bulletin to an AMQP exchange.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peakwx/nwws"
	"github.com/peakwx/nwws/relay"
)

var (
	flagUsername     string
	flagPassword     string
	flagServer       string
	flagPort         int
	flagHistory      int
	flagQueueSize    int
	flagIdleTimeout  time.Duration
	flagLogLevel     string
	flagAMQPURL      string
	flagAMQPExchange string
)

var rootCmd = &cobra.Command{
	Use:   "nwwscat",
	Short: "Stream NOAA Weather Wire (NWWS-OI) bulletins to stdout",
	Long: `nwwscat connects to the NWWS-OI feed with the given credentials,
joins the data room, and prints every bulletin as it arrives. The
connection recovers automatically from transient failures.

Credentials default to the NWWS_USERNAME / NWWS_PASSWORD environment
variables; all flags have NWWS_-prefixed environment fallbacks.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagUsername, "username", "", "NWWS-OI username (falls back to NWWS_USERNAME)")
	flags.StringVar(&flagPassword, "password", "", "NWWS-OI password (falls back to NWWS_PASSWORD)")
	flags.StringVar(&flagServer, "server", "", "XMPP server hostname (default "+nwws.DefaultServer+")")
	flags.IntVar(&flagPort, "port", 0, "XMPP server port (default 5222)")
	flags.IntVar(&flagHistory, "history", 0, "historical messages to request on join")
	flags.IntVar(&flagQueueSize, "queue-size", 0, "pull buffer capacity before drop-oldest kicks in")
	flags.DurationVar(&flagIdleTimeout, "idle-timeout", 0, "silence threshold before forcing a reconnect")
	flags.StringVar(&flagLogLevel, "log-level", "info", "logging level: debug, info, warn, error")
	flags.StringVar(&flagAMQPURL, "amqp-url", "", "optional AMQP broker to relay bulletins to")
	flags.StringVar(&flagAMQPExchange, "amqp-exchange", "", "AMQP topic exchange for the relay")
}

func run(ctx context.Context) error {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}

	cfg, err := nwws.ConfigFromEnv()
	if err != nil {
		return err
	}
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagServer != "" {
		cfg.Server = flagServer
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagHistory != 0 {
		cfg.History = flagHistory
	}
	if flagQueueSize != 0 {
		cfg.QueueCapacity = flagQueueSize
	}
	if flagIdleTimeout != 0 {
		cfg.IdleTimeout = flagIdleTimeout
	}

	client, err := nwws.New(cfg, nwws.WithLogger(logger))
	if err != nil {
		return err
	}

	if flagAMQPURL != "" {
		broker, err := relay.New(relay.Config{
			URL:      flagAMQPURL,
			Exchange: flagAMQPExchange,
		}, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		client.Subscribe(broker.Handler())
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		client.Stop("signal received")
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("connecting to NWWS-OI: %w", err)
	}
	logger.Info("connected, streaming bulletins")

	for bulletin := range client.Bulletins(context.Background()) {
		printBulletin(bulletin)
	}
	return nil
}

func printBulletin(b *nwws.Bulletin) {
	header := b.TTAAII + " " + b.CCCC
	if b.AWIPSID != "" {
		header += " " + b.AWIPSID
	}
	fmt.Printf("=== %s issued %s (%s)\n", header, b.IssuedAt.Format(time.RFC3339), b.ID)
	if b.Delayed {
		fmt.Printf("    delayed %s in transit\n", b.Delay.Round(time.Second))
	}
	fmt.Println(strings.Trim(b.Body, "\x01\x03"))
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
