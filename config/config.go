// Package config loads the process configuration from a .env file, the
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/toolink/cogbot/extension"
	"github.com/toolink/cogbot/limiter"
	"github.com/toolink/cogbot/logx"
)

// Prefix of every environment variable, e.g. COGBOT_TOKEN.
const Prefix = "COGBOT"

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// ErrMissingToken is returned by RequireToken when COGBOT_TOKEN is empty.
var ErrMissingToken = errors.New("config: COGBOT_TOKEN is required")

type Config struct {
	Token            string        `envconfig:"TOKEN"`
	GatewayURL       string        `split_words:"true" default:"ws://127.0.0.1:8765/gateway"`
	HandshakeTimeout time.Duration `split_words:"true" default:"10s"`
	Extensions       []string      `default:"devtools.ping,devtools.latency"`

	PresenceStatus   string `split_words:"true" default:"dnd"`
	PresenceActivity string `split_words:"true" default:"f!help"`

	// Broker selects the event backend: memory, or redis to share gateway
	// and lifecycle events between processes.
	Broker string `default:"memory"`

	RedisAddr     string `split_words:"true"`
	RedisPassword string `split_words:"true"`
	RedisDB       int    `split_words:"true" default:"0"`

	AdminAddr  string `split_words:"true" default:":9090"`
	ConfigFile string `split_words:"true"`

	Log     logx.Config    `envconfig:"LOG"`
	Limiter limiter.Config `ignored:"true"`
}

// Options locates the optional files.
type Options struct {
	EnvFile    string // defaults to .env, ignored when missing
	ConfigFile string // overrides COGBOT_CONFIG_FILE
}

// Load builds the configuration. Values from the config file override the
// environment for the keys it sets.
func Load(opts Options) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	var conf Config
	if err := envconfig.Process(Prefix, &conf); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	conf.Limiter = limiter.DefaultConfig()

	path := opts.ConfigFile
	if path == "" {
		path = conf.ConfigFile
	}
	if path != "" {
		if err := conf.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

func (c *Config) readFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if v.IsSet("extensions") {
		c.Extensions = v.GetStringSlice("extensions")
	}
	if v.IsSet("gateway_url") {
		c.GatewayURL = v.GetString("gateway_url")
	}
	if v.IsSet("admin_addr") {
		c.AdminAddr = v.GetString("admin_addr")
	}
	if v.IsSet("presence") {
		c.PresenceStatus = v.GetString("presence.status")
		c.PresenceActivity = v.GetString("presence.activity")
	}
	if v.IsSet("limiter") {
		var lc limiter.Config
		if err := v.UnmarshalKey("limiter", &lc); err != nil {
			return fmt.Errorf("config: limiter block: %w", err)
		}
		c.Limiter = lc
	}
	return nil
}

// Validate checks the extension ids, the backends and the limiter rules.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerMemory:
	case BrokerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: broker %q needs COGBOT_REDIS_ADDR", c.Broker)
		}
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker)
	}
	if c.Limiter.StorageType == limiter.StorageRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: redis limiter storage needs COGBOT_REDIS_ADDR")
	}
	for _, id := range c.Extensions {
		if !extension.ID(id).Valid() {
			return fmt.Errorf("config: invalid extension id %q", id)
		}
	}
	if err := c.Limiter.Validate(); err != nil {
		return fmt.Errorf("config: limiter: %w", err)
	}
	return nil
}

// RequireToken fails when no token is configured.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// ExtensionIDs returns the default extensions.
func (c *Config) ExtensionIDs() []extension.ID {
	ids := make([]extension.ID, 0, len(c.Extensions))
	for _, id := range c.Extensions {
		ids = append(ids, extension.ID(id))
	}
	return ids
}
