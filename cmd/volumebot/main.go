package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gregtusar/pacifica-volume/api"
	"github.com/gregtusar/pacifica-volume/internal/config"
	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/gregtusar/pacifica-volume/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	accountIndex int
	allAccounts  bool
	logger       *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "volumebot",
		Short: "Pacifica volume trading bot",
		Long:  `Opens and closes short-lived perpetual positions on Pacifica until a target traded volume is reached`,
		RunE:  runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().IntVar(&accountIndex, "account", 0, "index of the account to trade")
	rootCmd.PersistentFlags().BoolVar(&allAccounts, "all-accounts", false, "trade every configured account concurrently")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "flatten",
			Short: "Cancel all orders and close all positions",
			RunE:  runFlatten,
		},
		&cobra.Command{
			Use:   "accounts",
			Short: "List configured accounts",
			RunE:  runAccounts,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads configuration and resolves the accounts to act on.
func setup(everyAccount bool) (*config.Config, []config.AccountCredentials, func(), error) {
	// Initialize logger
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	closeLog, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}

	creds, err := cfg.Accounts()
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	selected, err := selectAccounts(creds, accountIndex, allAccounts || everyAccount)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}
	return cfg, selected, closeLog, nil
}

func configureLogger(l *logrus.Logger, cfg config.LoggingConfig) (func(), error) {
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() { f.Close() }, nil
}

func selectAccounts(all []config.AccountCredentials, index int, every bool) ([]config.AccountCredentials, error) {
	if every {
		return all, nil
	}
	if index < 0 || index >= len(all) {
		return nil, fmt.Errorf("account index %d out of range (%d accounts)", index, len(all))
	}
	return all[index : index+1], nil
}

func newTraders(cfg *config.Config, creds []config.AccountCredentials, opts ...trader.Option) ([]*trader.VolumeTrader, error) {
	settings := cfg.Trading.Settings()
	clientOpts := pacifica.ClientOptions{
		BaseURL:           cfg.Pacifica.BaseURL,
		RequestsPerSecond: cfg.Pacifica.RequestsPerSecond,
		Burst:             cfg.Pacifica.Burst,
		Timeout:           time.Duration(cfg.Pacifica.RequestTimeout) * time.Second,
	}

	traders := make([]*trader.VolumeTrader, 0, len(creds))
	for i, c := range creds {
		auth, err := pacifica.NewKeypairAuthenticator(c.PrivateKey, c.Account, c.AgentWallet)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		client := pacifica.NewHTTPClient(clientOpts, auth, logger)

		t, err := trader.NewVolumeTrader(client, settings, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if c.IsAgent() {
			logger.WithFields(logrus.Fields{
				"account": auth.Account(),
				"agent":   c.AgentWallet,
			}).Info("Using API agent key")
		}
		traders = append(traders, t)
	}
	return traders, nil
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, creds, closeLog, err := setup(false)
	if err != nil {
		return err
	}
	defer closeLog()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := api.NewRecorder(0)
	opts := []trader.Option{
		trader.WithEventSink(trader.MultiSink{trader.LogSink{Logger: logger}, recorder}),
	}

	if cfg.Pacifica.UseWebSocket {
		feed := pacifica.NewPriceFeed(cfg.Pacifica.WebSocketURL, time.Duration(cfg.Pacifica.ReconnectDelay)*time.Second, logger)
		go feed.Run(ctx)
		defer feed.Close()
		opts = append(opts, trader.WithPriceSource(feed))
	}

	traders, err := newTraders(cfg, creds, opts...)
	if err != nil {
		return err
	}
	for _, t := range traders {
		recorder.SetTarget(t.Account(), cfg.Trading.TargetVolume)
	}

	// Start API server
	if cfg.Server.Enabled {
		apiServer := api.NewServer(recorder, logger, strconv.Itoa(cfg.Server.Port), cfg.Server.JWTSecret)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	logger.WithField("accounts", len(traders)).Info("Volume bot is running. Press Ctrl+C to stop.")

	var wg sync.WaitGroup
	errs := make([]error, len(traders))
	for i, t := range traders {
		wg.Add(1)
		go func(i int, t *trader.VolumeTrader) {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("account %s: %w", t.Account(), err)
			}
		}(i, t)
	}
	wg.Wait()

	err = errors.Join(errs...)
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal, open orders and positions are left for the next start")
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("Volume target reached on every account")
	return nil
}

func runFlatten(cmd *cobra.Command, args []string) error {
	cfg, creds, closeLog, err := setup(false)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traders, err := newTraders(cfg, creds, trader.WithEventSink(trader.LogSink{Logger: logger}))
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range traders {
		logger.WithField("account", t.Account()).Info("Flattening account")
		if err := t.Flatten(ctx); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", t.Account(), err))
		}
	}
	return errors.Join(errs...)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	_, creds, closeLog, err := setup(true)
	if err != nil {
		return err
	}
	defer closeLog()

	out := cmd.OutOrStdout()
	for i, c := range creds {
		auth, err := pacifica.NewKeypairAuthenticator(c.PrivateKey, c.Account, c.AgentWallet)
		if err != nil {
			fmt.Fprintf(out, "%d\tinvalid key: %v\n", i, err)
			continue
		}
		if c.IsAgent() {
			fmt.Fprintf(out, "%d\t%s\tagent %s\n", i, auth.Account(), auth.PublicKey())
			continue
		}
		fmt.Fprintf(out, "%d\t%s\n", i, auth.Account())
	}
	return nil
}
