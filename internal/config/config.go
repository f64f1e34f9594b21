// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every variable name, e.g. EVENTFUL_ADDR.
const EnvPrefix = "EVENTFUL"

type Config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	DBPath    string `envconfig:"DB_PATH" default:"eventful.db"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Origins lists the allowed websocket origin patterns. Empty accepts any.
	Origins        []string `envconfig:"WS_ORIGINS"`
	AllowAnonymous bool     `envconfig:"WS_ALLOW_ANONYMOUS" default:"false"`

	JWTSecret    string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer    string `envconfig:"JWT_ISSUER"`
	ServiceToken string `envconfig:"SERVICE_TOKEN" required:"true"`

	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `envconfig:"VAPID_SUBSCRIBER" default:"mailto:admin@localhost"`

	FCMProjectID       string `envconfig:"FCM_PROJECT_ID"`
	FCMCredentialsFile string `envconfig:"FCM_CREDENTIALS_FILE"`

	ExpoURL         string `envconfig:"EXPO_URL"`
	ExpoAccessToken string `envconfig:"EXPO_ACCESS_TOKEN"`
	ExpoEnabled     bool   `envconfig:"EXPO_ENABLED" default:"true"`

	RedisURL    string `envconfig:"REDIS_URL"`
	RedisPrefix string `envconfig:"REDIS_PREFIX" default:"eventful:"`

	PushWorkers      int           `envconfig:"PUSH_WORKERS" default:"4"`
	PushQueueSize    int           `envconfig:"PUSH_QUEUE_SIZE" default:"1024"`
	PushParallelism  int           `envconfig:"PUSH_PARALLELISM" default:"8"`
	PushBatchTimeout time.Duration `envconfig:"PUSH_BATCH_TIMEOUT" default:"10s"`
	PushRatePerSec   float64       `envconfig:"PUSH_RATE_PER_SEC" default:"0"`
	PushBurst        int           `envconfig:"PUSH_BURST" default:"1"`
	PushDedupeTTL    time.Duration `envconfig:"PUSH_DEDUPE_TTL" default:"1h"`
	PushSkipActor    bool          `envconfig:"PUSH_SKIP_ACTOR" default:"false"`

	BackupBucket     string        `envconfig:"BACKUP_BUCKET"`
	BackupEndpoint   string        `envconfig:"BACKUP_ENDPOINT"`
	BackupRegion     string        `envconfig:"BACKUP_REGION" default:"us-east-1"`
	BackupAccessKey  string        `envconfig:"BACKUP_ACCESS_KEY"`
	BackupSecretKey  string        `envconfig:"BACKUP_SECRET_KEY"`
	BackupPrefix     string        `envconfig:"BACKUP_PREFIX" default:"snapshots"`
	BackupPassphrase string        `envconfig:"BACKUP_PASSPHRASE"`
	BackupInterval   time.Duration `envconfig:"BACKUP_INTERVAL" default:"24h"`
	BackupRetain     int           `envconfig:"BACKUP_RETAIN" default:"7"`

	InviteTTL       time.Duration `envconfig:"INVITE_TTL" default:"168h"`
	RouteTimeout    time.Duration `envconfig:"ROUTE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads envFile (if it exists) into the process environment and then
// parses the EVENTFUL_ variables. Variables already set win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AddFlags registers command-line overrides for the settings operators
// change most often. Flags left unset keep the environment value.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "path to the SQLite database")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis URL for cross-instance push dedupe")
	fs.IntVar(&c.PushWorkers, "push-workers", c.PushWorkers, "number of push workers")
}

func (c *Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log format %q must be text or json", c.LogFormat))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		problems = append(problems, "VAPID public and private keys must be set together")
	}
	if c.FCMCredentialsFile != "" && c.FCMProjectID == "" {
		problems = append(problems, "FCM credentials file needs an FCM project ID")
	}
	if c.PushWorkers <= 0 {
		problems = append(problems, "push workers must be positive")
	}
	if c.PushQueueSize <= 0 {
		problems = append(problems, "push queue size must be positive")
	}
	if c.PushBatchTimeout <= 0 {
		problems = append(problems, "push batch timeout must be positive")
	}
	if c.InviteTTL <= 0 {
		problems = append(problems, "invite TTL must be positive")
	}
	if c.BackupBucket != "" {
		if c.BackupAccessKey == "" || c.BackupSecretKey == "" {
			problems = append(problems, "backup bucket needs an access key and secret key")
		}
		if c.BackupPassphrase == "" {
			problems = append(problems, "backup bucket needs a passphrase")
		}
	}
	if c.BackupRetain < 0 {
		problems = append(problems, "backup retain must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WebPushEnabled reports whether VAPID keys are configured.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// BackupEnabled reports whether database snapshots are shipped to S3.
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != ""
}

// FCMEnabled reports whether native Android and iOS delivery is configured.
func (c *Config) FCMEnabled() bool {
	return c.FCMProjectID != ""
}
