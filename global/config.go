package global

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the collaboration node.
type Config struct {
	HTTPAddr       string `mapstructure:"HTTP_ADDR"`
	GRPCHealthAddr string `mapstructure:"GRPC_HEALTH_ADDR"`
	NodeID         int64  `mapstructure:"NODE_ID"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFormat      string `mapstructure:"LOG_FORMAT"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// connection registry
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	WriteWait         time.Duration `mapstructure:"WRITE_WAIT"`
	SendQueueSize     int           `mapstructure:"SEND_QUEUE_SIZE"`
	MaxMessageBytes   int64         `mapstructure:"MAX_MESSAGE_BYTES"`

	// lock manager
	LockTTL           time.Duration `mapstructure:"LOCK_TTL"`
	LockSweepInterval time.Duration `mapstructure:"LOCK_SWEEP_INTERVAL"`

	// session manager
	SessionTTL           time.Duration `mapstructure:"SESSION_TTL"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`

	// state synchronizer
	SyncInterval         time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncUsageTolerance   float64       `mapstructure:"SYNC_USAGE_TOLERANCE"`
	SyncFetchConcurrency int           `mapstructure:"SYNC_FETCH_CONCURRENCY"`
	SyncFetchTimeout     time.Duration `mapstructure:"SYNC_FETCH_TIMEOUT"`
	InstanceServiceURL   string        `mapstructure:"INSTANCE_SERVICE_URL"`

	// optional infrastructure; empty address disables the component
	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	RedisPassword     string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int           `mapstructure:"REDIS_DB"`
	PresenceTTL       time.Duration `mapstructure:"PRESENCE_TTL"`
	NatsURL           string        `mapstructure:"NATS_URL"`
	NatsSubjectPrefix string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	KafkaBrokers      string        `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic   string        `mapstructure:"KAFKA_AUDIT_TOPIC"`
	NacosAddr         string        `mapstructure:"NACOS_ADDR"`
	NacosNamespace    string        `mapstructure:"NACOS_NAMESPACE"`
	NacosUsername     string        `mapstructure:"NACOS_USERNAME"`
	NacosPassword     string        `mapstructure:"NACOS_PASSWORD"`
	NacosDataID       string        `mapstructure:"NACOS_DATA_ID"`
	NacosGroup        string        `mapstructure:"NACOS_GROUP"`
	NacosServiceName  string        `mapstructure:"NACOS_SERVICE_NAME"`
	AdvertiseIP       string        `mapstructure:"ADVERTISE_IP"`

	// auth
	JWTSecret  string `mapstructure:"JWT_SECRET"`
	JWTAlg     string `mapstructure:"JWT_ALG"`
	AdminToken string `mapstructure:"ADMIN_TOKEN"`
}

var defaults = map[string]any{
	"HTTP_ADDR":        ":3003",
	"GRPC_HEALTH_ADDR": ":50052",
	"NODE_ID":          1,
	"LOG_LEVEL":        "info",
	"LOG_FORMAT":       "console",
	"ALLOWED_ORIGINS":  "",

	"HEARTBEAT_INTERVAL": "30s",
	"WRITE_WAIT":         "10s",
	"SEND_QUEUE_SIZE":    256,
	"MAX_MESSAGE_BYTES":  65536,

	"LOCK_TTL":            "5m",
	"LOCK_SWEEP_INTERVAL": "30s",

	"SESSION_TTL":            "24h",
	"SESSION_SWEEP_INTERVAL": "1m",

	"SYNC_INTERVAL":          "5s",
	"SYNC_USAGE_TOLERANCE":   5.0,
	"SYNC_FETCH_CONCURRENCY": 4,
	"SYNC_FETCH_TIMEOUT":     "3s",
	"INSTANCE_SERVICE_URL":   "",

	"REDIS_ADDR":          "",
	"REDIS_PASSWORD":      "",
	"REDIS_DB":            0,
	"PRESENCE_TTL":        "2m",
	"NATS_URL":            "",
	"NATS_SUBJECT_PREFIX": "collab.events",
	"KAFKA_BROKERS":       "",
	"KAFKA_AUDIT_TOPIC":   "collab-audit",
	"NACOS_ADDR":          "",
	"NACOS_NAMESPACE":     "public",
	"NACOS_USERNAME":      "",
	"NACOS_PASSWORD":      "",
	"NACOS_DATA_ID":       "collab.yaml",
	"NACOS_GROUP":         "DEFAULT_GROUP",
	"NACOS_SERVICE_NAME":  "collab-service",
	"ADVERTISE_IP":        "",

	"JWT_SECRET":  "",
	"JWT_ALG":     "HS256",
	"ADMIN_TOKEN": "",
}

// Load reads .env (if present), the optional YAML file, any remote overlays
// (in order) and finally the environment. Env vars win over everything.
func Load(configFile string, overlays ...[]byte) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	for i, doc := range overlays {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		v.SetConfigType("yaml")
		if err := v.MergeConfig(bytes.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("config: overlay %d: %w", i, err)
		}
	}

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	positive := map[string]time.Duration{
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"WRITE_WAIT":             c.WriteWait,
		"LOCK_TTL":               c.LockTTL,
		"LOCK_SWEEP_INTERVAL":    c.LockSweepInterval,
		"SESSION_TTL":            c.SessionTTL,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"SYNC_INTERVAL":          c.SyncInterval,
		"SYNC_FETCH_TIMEOUT":     c.SyncFetchTimeout,
	}
	for k, d := range positive {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", k)
		}
	}
	if c.SyncUsageTolerance < 0 {
		return errors.New("config: SYNC_USAGE_TOLERANCE must not be negative")
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.SyncFetchConcurrency <= 0 {
		c.SyncFetchConcurrency = 1
	}
	return nil
}

// KafkaBrokerList splits the comma-separated KAFKA_BROKERS value.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) AllowedOriginList() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
