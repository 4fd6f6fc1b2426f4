// Package config loads the service configuration for each deployment mode.
//
// Settings come from TRADEFED_* environment variables and, optionally, a
// YAML or TOML file named by TRADEFED_CONFIG_FILE. Nested keys map to
// environment variables by replacing dots with underscores, so
// "queue.redis.addr" is read from TRADEFED_QUEUE_REDIS_ADDR.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TRADEFED"

// Mode represents the deployment mode of the service
type Mode string

const (
	ModeAllInOne Mode = "all-in-one"
	ModeWebhook  Mode = "webhook"
	ModeWorker   Mode = "worker"
	ModeLocal    Mode = "local"
)

// QueueType represents the type of message queue to use
type QueueType string

const (
	QueueTypeInMemory QueueType = "inmemory"
	QueueTypeRedis    QueueType = "redis"
	QueueTypePubSub   QueueType = "pubsub"
)

// StorageType represents the type of blob storage backend to use
type StorageType string

const (
	StorageTypeGCS   StorageType = "gcs"
	StorageTypeMinio StorageType = "minio"

	// StorageTypeMemory keeps blobs in process memory; only all-in-one and
	// local modes accept it.
	StorageTypeMemory StorageType = "memory"
)

// HandoffType selects where chunks wait for their worker.
type HandoffType string

const (
	HandoffTypeDatabase HandoffType = "database"
	HandoffTypeBlob     HandoffType = "blob"
)

// LockType selects the barrier lock implementation.
type LockType string

const (
	LockTypeLocal LockType = "local"
	LockTypeRedis LockType = "redis"
)

// Config holds all configuration for the service
type Config struct {
	// Port for the HTTP server
	Port int

	// BaseURL is the public URL of the service. Attachment links in stored
	// reports point under it.
	BaseURL string

	// DisableHMAC disables webhook signature validation (dev only)
	DisableHMAC bool

	Database  DatabaseConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Handoff   HandoffConfig
	Lock      LockConfig
	Ingestion IngestionConfig
	Lava      LavaConfig
	Telemetry TelemetryConfig
	Log       LogConfig
	Webhook   WebhookConfig
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Type QueueType

	// Workers is the number of tasks handled concurrently
	Workers    int
	BufferSize int

	// MaxAttempts bounds the deliveries of a failing task
	MaxAttempts int

	// RetryBackoff is the first redelivery delay of the in-memory queue
	RetryBackoff time.Duration

	// Redis configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisGroup    string

	// Pub/Sub configuration
	PubSubProjectID    string
	PubSubTopicID      string
	PubSubSubscription string
	PubSubDeadLetter   string
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	Type StorageType

	// GCS configuration
	GCSBucket string

	// MinIO configuration
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

type HandoffConfig struct {
	Type HandoffType
}

type LockConfig struct {
	Type LockType

	// RedisAddr defaults to the queue's Redis address
	RedisAddr     string
	RedisPassword string
	Expiry        time.Duration
}

// IngestionConfig tunes report ingestion
type IngestionConfig struct {
	ChunkSize int

	// ExtractAggregated applies to projects that do not set
	// PLUGINS_TRADEFED_EXTRACT_AGGREGATED themselves.
	ExtractAggregated bool

	// TempDir holds spooled archives; empty means the system default.
	TempDir string
}

// LavaConfig holds the LAVA client settings
type LavaConfig struct {
	Timeout           time.Duration
	RetryCount        int
	RetryWait         time.Duration
	RetryMaxWait      time.Duration
	RequestsPerSecond float64
}

// TelemetryConfig enables OTLP trace export when Endpoint is set
type TelemetryConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string
	Format string

	// File, when set, receives logs through a rotating writer
	File string
}

// WebhookConfig holds webhook-specific configuration
type WebhookConfig struct {
	Secret string
}

// Load loads configuration from the environment and the optional config
// file for the specified mode
func Load(mode Mode) (*Config, error) {
	v := New()
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadFrom(v, mode)
}

// New returns a viper instance bound to the TRADEFED_ environment with the
// service defaults.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("disable_hmac", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tradefed.db")

	v.SetDefault("queue.type", "")
	v.SetDefault("queue.workers", "4")
	v.SetDefault("queue.buffer_size", "100")
	v.SetDefault("queue.max_attempts", "5")
	v.SetDefault("queue.retry_backoff", "1s")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", "0")
	v.SetDefault("queue.redis.stream", "tradefed-tasks")
	v.SetDefault("queue.redis.group", "tradefed-workers")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "tradefed-tasks")
	v.SetDefault("queue.pubsub.subscription", "")
	v.SetDefault("queue.pubsub.dead_letter_topic", "")

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.bucket", "tradefed")
	v.SetDefault("storage.minio.use_ssl", false)

	v.SetDefault("handoff.type", string(HandoffTypeDatabase))

	v.SetDefault("lock.type", string(LockTypeLocal))
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.expiry", "5m")

	v.SetDefault("ingestion.chunk_size", "100")
	v.SetDefault("ingestion.extract_aggregated", false)
	v.SetDefault("ingestion.temp_dir", "")

	v.SetDefault("lava.timeout", "5m")
	v.SetDefault("lava.retry_count", "5")
	v.SetDefault("lava.retry_wait", "1s")
	v.SetDefault("lava.retry_max_wait", "30s")
	v.SetDefault("lava.requests_per_second", "0")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "go-tradefed")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("webhook.secret", "")
}

// loader reads typed values and remembers the first conversion error.
type loader struct {
	v   *viper.Viper
	err error
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func (l *loader) getString(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l *loader) getInt(key string) int {
	n, err := strconv.Atoi(l.getString(key))
	if err != nil && l.err == nil {
		l.err = errors.Wrapf(err, "invalid %s", envName(key))
	}
	return n
}

func (l *loader) getFloat(key string) float64 {
	f, err := strconv.ParseFloat(l.getString(key), 64)
	if err != nil && l.err == nil {
		l.err = errors.Wrapf(err, "invalid %s", envName(key))
	}
	return f
}

func (l *loader) getBool(key string) bool {
	s := l.getString(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil && l.err == nil {
		l.err = errors.Wrapf(err, "invalid %s", envName(key))
	}
	return b
}

func (l *loader) getDuration(key string) time.Duration {
	d, err := time.ParseDuration(l.getString(key))
	if err != nil && l.err == nil {
		l.err = errors.Wrapf(err, "invalid %s", envName(key))
	}
	return d
}

// LoadFrom builds the configuration of mode from v.
func LoadFrom(v *viper.Viper, mode Mode) (*Config, error) {
	if err := validateMode(mode); err != nil {
		return nil, err
	}

	l := &loader{v: v}
	cfg := &Config{
		Port:        l.getInt("port"),
		BaseURL:     strings.TrimRight(l.getString("base_url"), "/"),
		DisableHMAC: l.getBool("disable_hmac"),
		Database: DatabaseConfig{
			Driver: l.getString("database.driver"),
			DSN:    l.getString("database.dsn"),
		},
		Queue: QueueConfig{
			Type:         QueueType(l.getString("queue.type")),
			Workers:      l.getInt("queue.workers"),
			BufferSize:   l.getInt("queue.buffer_size"),
			MaxAttempts:  l.getInt("queue.max_attempts"),
			RetryBackoff: l.getDuration("queue.retry_backoff"),
		},
		Storage: StorageConfig{
			Type: StorageType(l.getString("storage.type")),
		},
		Handoff: HandoffConfig{
			Type: HandoffType(l.getString("handoff.type")),
		},
		Lock: LockConfig{
			Type:   LockType(l.getString("lock.type")),
			Expiry: l.getDuration("lock.expiry"),
		},
		Ingestion: IngestionConfig{
			ChunkSize:         l.getInt("ingestion.chunk_size"),
			ExtractAggregated: l.getBool("ingestion.extract_aggregated"),
			TempDir:           l.getString("ingestion.temp_dir"),
		},
		Lava: LavaConfig{
			Timeout:           l.getDuration("lava.timeout"),
			RetryCount:        l.getInt("lava.retry_count"),
			RetryWait:         l.getDuration("lava.retry_wait"),
			RetryMaxWait:      l.getDuration("lava.retry_max_wait"),
			RequestsPerSecond: l.getFloat("lava.requests_per_second"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    l.getString("telemetry.endpoint"),
			Insecure:    l.getBool("telemetry.insecure"),
			ServiceName: l.getString("telemetry.service_name"),
		},
		Log: LogConfig{
			Level:  l.getString("log.level"),
			Format: l.getString("log.format"),
			File:   l.getString("log.file"),
		},
	}
	if l.err != nil {
		return nil, l.err
	}

	// Load mode-specific config
	var err error
	switch mode {
	case ModeAllInOne:
		err = cfg.loadAllInOneConfig(l, mode)
	case ModeWebhook:
		err = cfg.loadWebhookConfig(l, mode)
	case ModeWorker:
		err = cfg.loadWorkerConfig(l, mode)
	case ModeLocal:
		cfg.loadLocalConfig()
	}
	if err != nil {
		return nil, err
	}
	if l.err != nil {
		return nil, l.err
	}

	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAllInOneConfig loads config for all-in-one mode
func (c *Config) loadAllInOneConfig(l *loader, mode Mode) error {
	// Queue: in-memory by default, but can use Redis/Pub/Sub
	if c.Queue.Type == "" {
		c.Queue.Type = QueueTypeInMemory
	}
	if err := c.loadQueueConfig(l, mode); err != nil {
		return err
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageTypeMemory
	}
	if err := c.loadStorageConfig(l); err != nil {
		return err
	}

	c.loadLockConfig(l)
	c.loadWebhookSettings(l)
	return nil
}

// loadWebhookConfig loads config for webhook mode
func (c *Config) loadWebhookConfig(l *loader, mode Mode) error {
	if c.Queue.Type == "" {
		return errors.Newf("%s is required in webhook mode", envName("queue.type"))
	}
	if err := c.loadQueueConfig(l, mode); err != nil {
		return err
	}
	c.loadWebhookSettings(l)
	return nil
}

// loadWorkerConfig loads config for worker mode
func (c *Config) loadWorkerConfig(l *loader, mode Mode) error {
	if c.Queue.Type == "" {
		return errors.Newf("%s is required in worker mode", envName("queue.type"))
	}
	if err := c.loadQueueConfig(l, mode); err != nil {
		return err
	}
	if c.Storage.Type == "" {
		return errors.Newf("%s is required in worker mode", envName("storage.type"))
	}
	if err := c.loadStorageConfig(l); err != nil {
		return err
	}
	c.loadLockConfig(l)
	return nil
}

// loadLocalConfig forces the in-process backends
func (c *Config) loadLocalConfig() {
	c.Queue.Type = QueueTypeInMemory
	c.Storage.Type = StorageTypeMemory
	c.Lock.Type = LockTypeLocal
}

func (c *Config) loadQueueConfig(l *loader, mode Mode) error {
	switch c.Queue.Type {
	case QueueTypeInMemory:
		// No additional config needed
	case QueueTypeRedis:
		c.Queue.RedisAddr = l.getString("queue.redis.addr")
		c.Queue.RedisPassword = l.getString("queue.redis.password")
		c.Queue.RedisDB = l.getInt("queue.redis.db")
		c.Queue.RedisStream = l.getString("queue.redis.stream")
		c.Queue.RedisGroup = l.getString("queue.redis.group")
	case QueueTypePubSub:
		c.Queue.PubSubProjectID = l.getString("queue.pubsub.project_id")
		if c.Queue.PubSubProjectID == "" {
			return errors.Newf("%s is required for pubsub queue", envName("queue.pubsub.project_id"))
		}
		c.Queue.PubSubTopicID = l.getString("queue.pubsub.topic")
		c.Queue.PubSubDeadLetter = l.getString("queue.pubsub.dead_letter_topic")

		// Subscription is only needed for worker/all-in-one
		if mode == ModeWorker || mode == ModeAllInOne {
			c.Queue.PubSubSubscription = l.getString("queue.pubsub.subscription")
			if c.Queue.PubSubSubscription == "" {
				return errors.Newf("%s is required for worker/all-in-one mode", envName("queue.pubsub.subscription"))
			}
		}
	default:
		return errors.Newf("invalid queue type: %s", c.Queue.Type)
	}
	return nil
}

// loadStorageConfig loads storage backend configuration
func (c *Config) loadStorageConfig(l *loader) error {
	switch c.Storage.Type {
	case StorageTypeMemory:
	case StorageTypeGCS:
		c.Storage.GCSBucket = l.getString("storage.gcs.bucket")
		if c.Storage.GCSBucket == "" {
			return errors.Newf("%s is required for gcs storage", envName("storage.gcs.bucket"))
		}
	case StorageTypeMinio:
		c.Storage.MinIOEndpoint = l.getString("storage.minio.endpoint")
		if c.Storage.MinIOEndpoint == "" {
			return errors.Newf("%s is required for minio storage", envName("storage.minio.endpoint"))
		}
		c.Storage.MinIOAccessKey = l.getString("storage.minio.access_key")
		if c.Storage.MinIOAccessKey == "" {
			return errors.Newf("%s is required for minio storage", envName("storage.minio.access_key"))
		}
		c.Storage.MinIOSecretKey = l.getString("storage.minio.secret_key")
		if c.Storage.MinIOSecretKey == "" {
			return errors.Newf("%s is required for minio storage", envName("storage.minio.secret_key"))
		}
		c.Storage.MinIOBucket = l.getString("storage.minio.bucket")
		c.Storage.MinIOUseSSL = l.getBool("storage.minio.use_ssl")
	default:
		return errors.Newf("invalid storage type: %s", c.Storage.Type)
	}
	return nil
}

func (c *Config) loadLockConfig(l *loader) {
	if c.Lock.Type != LockTypeRedis {
		return
	}
	c.Lock.RedisAddr = l.getString("lock.redis.addr")
	c.Lock.RedisPassword = l.getString("lock.redis.password")
	if c.Lock.RedisAddr == "" {
		c.Lock.RedisAddr = l.getString("queue.redis.addr")
		c.Lock.RedisPassword = l.getString("queue.redis.password")
	}
}

// loadWebhookSettings loads webhook-specific settings
func (c *Config) loadWebhookSettings(l *loader) {
	c.Webhook.Secret = l.getString("webhook.secret")
}

// validateMode validates that the mode is valid
func validateMode(mode Mode) error {
	switch mode {
	case ModeAllInOne, ModeWebhook, ModeWorker, ModeLocal:
		return nil
	default:
		return errors.Newf("invalid mode: %s (must be all-in-one, webhook, worker, or local)", mode)
	}
}

// Validate validates the complete configuration for the specified mode
func (c *Config) Validate(mode Mode) error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Newf("invalid port: %d (must be between 1 and 65535)", c.Port)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.Newf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" && mode != ModeWebhook {
		return errors.New("database dsn is required")
	}

	switch c.Handoff.Type {
	case HandoffTypeDatabase, HandoffTypeBlob:
	default:
		return errors.Newf("invalid handoff type: %s", c.Handoff.Type)
	}
	switch c.Lock.Type {
	case LockTypeLocal, LockTypeRedis:
	default:
		return errors.Newf("invalid lock type: %s", c.Lock.Type)
	}
	if c.Ingestion.ChunkSize < 1 {
		return errors.Newf("invalid chunk size: %d", c.Ingestion.ChunkSize)
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.Newf("invalid queue max attempts: %d", c.Queue.MaxAttempts)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	switch mode {
	case ModeAllInOne:
		if !c.DisableHMAC && c.Webhook.Secret == "" {
			return errors.Newf("%s is required when HMAC validation is enabled", envName("webhook.secret"))
		}

	case ModeWebhook:
		if c.Queue.Type == QueueTypeInMemory {
			return errors.New("in-memory queue cannot be used in webhook mode")
		}
		if !c.DisableHMAC && c.Webhook.Secret == "" {
			return errors.Newf("%s is required when HMAC validation is enabled", envName("webhook.secret"))
		}

	case ModeWorker:
		if c.Queue.Type == QueueTypeInMemory {
			return errors.New("in-memory queue cannot be used in worker mode")
		}
		if c.Storage.Type == StorageTypeMemory {
			return errors.New("memory storage cannot be used in worker mode")
		}
		// Workers in separate processes must share the lock.
		if c.Lock.Type != LockTypeRedis {
			return errors.New("worker mode requires the redis lock")
		}

	case ModeLocal:
		// Local mode runs everything in-process
	}

	return nil
}
