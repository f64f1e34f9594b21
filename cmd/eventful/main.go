package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/api/option"

	"github.com/dukerupert/eventful/internal/backup"
	"github.com/dukerupert/eventful/internal/config"
	"github.com/dukerupert/eventful/internal/database"
	"github.com/dukerupert/eventful/internal/logging"
	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/push"
	"github.com/dukerupert/eventful/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventful: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Handle the key generator before config loading so it works without
	// secrets in the environment.
	if len(os.Args) > 1 && os.Args[1] == "generate-vapid-keys" {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		fmt.Printf("EVENTFUL_VAPID_PUBLIC_KEY=%s\nEVENTFUL_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return nil
	}

	envFile := os.Getenv("EVENTFUL_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("eventful", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if args := flagSet.Args(); len(args) > 0 {
		switch args[0] {
		case "restore-snapshot":
			if len(args) != 3 {
				return errors.New("usage: eventful restore-snapshot <key> <destination>")
			}
			if !cfg.BackupEnabled() {
				return errors.New("restore-snapshot needs EVENTFUL_BACKUP_BUCKET")
			}
			return backup.NewManager(backupConfig(cfg), nil, logger).Restore(context.Background(), args[1], args[2])
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	senders, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var deduper push.Deduper = push.NewMemoryDeduper()
	if cfg.RedisURL != "" {
		client, err := push.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deduper = push.NewRedisDeduper(client, cfg.RedisPrefix)
		logger.Info("push dedupe shared through redis")
	}

	srv, err := server.New(db, server.Config{
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		ServiceToken:   cfg.ServiceToken,
		Origins:        cfg.Origins,
		AllowAnonymous: cfg.AllowAnonymous,
		InviteTTL:      cfg.InviteTTL,
		RouteTimeout:   cfg.RouteTimeout,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		Push: push.Config{
			Workers:      cfg.PushWorkers,
			QueueSize:    cfg.PushQueueSize,
			Parallelism:  cfg.PushParallelism,
			BatchTimeout: cfg.PushBatchTimeout,
			RatePerSec:   cfg.PushRatePerSec,
			Burst:        cfg.PushBurst,
			DedupeTTL:    cfg.PushDedupeTTL,
			SkipActor:    cfg.PushSkipActor,
		},
	}, server.Deps{Senders: senders, Deduper: deduper}, logger)
	if err != nil {
		return err
	}
	srv.Start(ctx)

	if cfg.BackupEnabled() {
		snapshots := backup.NewManager(backupConfig(cfg), db, logger)
		snapshots.Start(ctx)
		defer snapshots.Stop()
		logger.Info("database snapshots enabled", "bucket", cfg.BackupBucket, "interval", cfg.BackupInterval)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.RateLimiter().Cleanup(10 * time.Minute)
			}
		}
	}()

	// No read or write timeout: /ws connections are long-lived.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("eventful listening", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// buildSenders creates one sender per configured push channel. Channels with
// no sender report every token as a transient failure.
func buildSenders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]push.Sender, error) {
	var senders []push.Sender

	if cfg.WebPushEnabled() {
		senders = append(senders, push.NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber))
	}

	if cfg.FCMEnabled() {
		var opts []option.ClientOption
		if cfg.FCMCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FCMCredentialsFile))
		}
		for _, ch := range []model.Channel{model.ChannelAndroid, model.ChannelIOS} {
			s, err := push.NewFCMSender(ctx, ch, cfg.FCMProjectID, opts...)
			if err != nil {
				return nil, fmt.Errorf("fcm %s sender: %w", ch, err)
			}
			senders = append(senders, s)
		}
	}

	if cfg.ExpoEnabled {
		var opts []push.ExpoOption
		if cfg.ExpoAccessToken != "" {
			opts = append(opts, push.WithExpoAccessToken(cfg.ExpoAccessToken))
		}
		senders = append(senders, push.NewExpoSender(cfg.ExpoURL, opts...))
	}

	channels := make([]string, 0, len(senders))
	for _, s := range senders {
		channels = append(channels, string(s.Channel()))
	}
	logger.Info("push channels configured", "channels", channels)
	return senders, nil
}

func backupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		Endpoint:   cfg.BackupEndpoint,
		Bucket:     cfg.BackupBucket,
		Region:     cfg.BackupRegion,
		AccessKey:  cfg.BackupAccessKey,
		SecretKey:  cfg.BackupSecretKey,
		Prefix:     cfg.BackupPrefix,
		Passphrase: cfg.BackupPassphrase,
		Interval:   cfg.BackupInterval,
		Retain:     cfg.BackupRetain,
	}
}
