// Package config loads daemon settings with viper: defaults, an optional
// config file and MARAUDER_ environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// EnvPrefix namespaces environment overrides, e.g. MARAUDER_STORE_CAPACITY.
const EnvPrefix = "MARAUDER"

type Config struct {
	TCPPort    int    `mapstructure:"tcp_port"`
	TCPTLS     bool   `mapstructure:"tcp_tls"`
	HTTPPort   int    `mapstructure:"http_port"`
	CampusFile string `mapstructure:"campus_file"`

	Log struct {
		JSON  bool   `mapstructure:"json"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Store struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"store"`

	Ingest struct {
		Interval  time.Duration `mapstructure:"interval"`
		QueueSize int           `mapstructure:"queue_size"`
	} `mapstructure:"ingest"`

	Query struct {
		RecencyWindow   time.Duration `mapstructure:"recency_window"`
		UnusualMultiple float64       `mapstructure:"unusual_multiple"`
		Timezone        string        `mapstructure:"timezone"`
		BusinessStart   int           `mapstructure:"business_start"`
		BusinessEnd     int           `mapstructure:"business_end"`
	} `mapstructure:"query"`

	Resolver struct {
		Latency time.Duration `mapstructure:"latency"`
		Window  time.Duration `mapstructure:"window"`
	} `mapstructure:"resolver"`

	Export struct {
		Dir string `mapstructure:"dir"`
		Key string `mapstructure:"key"`
	} `mapstructure:"export"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		GroupID string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	MQTT struct {
		Broker   string `mapstructure:"broker"`
		Topic    string `mapstructure:"topic"`
		ClientID string `mapstructure:"client_id"`
		QoS      int    `mapstructure:"qos"`
	} `mapstructure:"mqtt"`

	Privacy struct {
		EnableAuditLogging      bool   `mapstructure:"enable_audit_logging"`
		AllowAnonymousAnalytics bool   `mapstructure:"allow_anonymous_analytics"`
		RequireExplicitConsent  bool   `mapstructure:"require_explicit_consent"`
		DefaultLevel            string `mapstructure:"default_level"`
		RetentionPeriod         string `mapstructure:"retention_period"`
	} `mapstructure:"privacy"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tcp_port", 7001)
	v.SetDefault("tcp_tls", true)
	v.SetDefault("http_port", 7002)
	v.SetDefault("campus_file", "campus.yaml")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("store.capacity", 1000)

	v.SetDefault("ingest.interval", "3s")
	v.SetDefault("ingest.queue_size", 4096)

	v.SetDefault("query.recency_window", "30m")
	v.SetDefault("query.unusual_multiple", 3.0)
	v.SetDefault("query.timezone", "Local")
	v.SetDefault("query.business_start", 6)
	v.SetDefault("query.business_end", 18)

	v.SetDefault("resolver.latency", "1500ms")
	v.SetDefault("resolver.window", "24h")

	v.SetDefault("export.dir", "./exports")
	v.SetDefault("export.key", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("kafka.group_id", "marauderd")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("privacy.enable_audit_logging", true)
	v.SetDefault("privacy.allow_anonymous_analytics", true)
	v.SetDefault("privacy.require_explicit_consent", true)
	v.SetDefault("privacy.default_level", string(schema.PrivacyPublic))
	v.SetDefault("privacy.retention_period", "2y")
}

// New returns a viper instance with defaults and environment binding. Flags
// may be bound onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the optional config file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.TCPPort <= 0 || c.TCPPort > 65535:
		return errors.Newf("tcp_port %d out of range", c.TCPPort)
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return errors.Newf("http_port %d out of range", c.HTTPPort)
	case c.Store.Capacity <= 0:
		return errors.Newf("store.capacity must be positive, got %d", c.Store.Capacity)
	case c.Ingest.Interval <= 0:
		return errors.New("ingest.interval must be positive")
	case c.Query.RecencyWindow <= 0:
		return errors.New("query.recency_window must be positive")
	case c.Query.UnusualMultiple <= 0:
		return errors.New("query.unusual_multiple must be positive")
	case c.Query.BusinessStart < 0 || c.Query.BusinessEnd > 24 || c.Query.BusinessStart >= c.Query.BusinessEnd:
		return errors.Newf("business hours [%d,%d) are invalid", c.Query.BusinessStart, c.Query.BusinessEnd)
	case c.MQTT.QoS < 0 || c.MQTT.QoS > 2:
		return errors.Newf("mqtt.qos %d out of range", c.MQTT.QoS)
	}
	switch schema.PrivacyLevel(c.Privacy.DefaultLevel) {
	case schema.PrivacyPublic, schema.PrivacyFriends, schema.PrivacyPrivate:
	default:
		return errors.Newf("privacy.default_level %q is not a privacy level", c.Privacy.DefaultLevel)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves query.timezone. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Query.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Query.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "query.timezone %q", c.Query.Timezone)
	}
	return loc, nil
}

// PrivacySettings is the campus-wide privacy configuration.
func (c *Config) PrivacySettings() schema.PrivacySettings {
	return schema.PrivacySettings{
		DefaultPrivacyLevel:     schema.PrivacyLevel(c.Privacy.DefaultLevel),
		DataRetentionPeriod:     c.Privacy.RetentionPeriod,
		RequireExplicitConsent:  c.Privacy.RequireExplicitConsent,
		EnableAuditLogging:      c.Privacy.EnableAuditLogging,
		AllowAnonymousAnalytics: c.Privacy.AllowAnonymousAnalytics,
	}
}
