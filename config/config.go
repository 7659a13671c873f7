// Package config loads the framework configuration from a yaml file and
// RPC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RPC_SERVER_PORT.
const EnvPrefix = "RPC"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Client   ClientConfig   `mapstructure:"client"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Workers int    `mapstructure:"workers"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit      float64       `mapstructure:"rateLimit"`
	RateBurst      int           `mapstructure:"rateBurst"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	Weight         int           `mapstructure:"weight"`
}

type RegistryConfig struct {
	// Type is one of memory, etcd or zookeeper.
	Type string `mapstructure:"type"`
	// Address is a comma separated endpoint list.
	Address         string        `mapstructure:"address"`
	TTL             time.Duration `mapstructure:"ttl"`
	EnableRegistry  bool          `mapstructure:"enableRegistry"`
	EnableDiscovery bool          `mapstructure:"enableDiscovery"`
}

type ClientConfig struct {
	Serializer       string        `mapstructure:"serializer"`
	LoadBalancer     string        `mapstructure:"loadBalancer"`
	Retry            string        `mapstructure:"retry"`
	Tolerance        string        `mapstructure:"tolerance"`
	MaxRetries       int           `mapstructure:"maxRetries"`
	RetryInterval    time.Duration `mapstructure:"retryInterval"`
	MaxRetryInterval time.Duration `mapstructure:"maxRetryInterval"`
	RetryMultiplier  float64       `mapstructure:"retryMultiplier"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	VirtualNodes     int           `mapstructure:"virtualNodes"`
	PoolSize         int           `mapstructure:"poolSize"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Dir enables rotated file output next to stdout.
	Dir        string `mapstructure:"dir"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

var defaults = map[string]any{
	"server.host":           "localhost",
	"server.port":           8888,
	"server.workers":        64,
	"server.rateLimit":      0.0,
	"server.rateBurst":      100,
	"server.requestTimeout": "0s",
	"server.weight":         100,

	"registry.type":            "etcd",
	"registry.address":         "localhost:2379",
	"registry.ttl":             "60s",
	"registry.enableRegistry":  true,
	"registry.enableDiscovery": true,

	"client.serializer":       "json",
	"client.loadBalancer":     "roundRobin",
	"client.retry":            "fixedInterval",
	"client.tolerance":        "failOver",
	"client.maxRetries":       2,
	"client.retryInterval":    "3s",
	"client.maxRetryInterval": "30s",
	"client.retryMultiplier":  2.0,
	"client.timeout":          "5s",
	"client.heartbeat":        "30s",
	"client.virtualNodes":     100,
	"client.poolSize":         2,

	"log.level":      "info",
	"log.dir":        "",
	"log.maxAgeDays": 7,
}

// Default returns the built-in configuration without reading the
// environment.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static; failing here is a programming error
		panic(err)
	}
	return cfg
}

// Load reads the yaml file at path, applies RPC_ environment overrides and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := newViper()
	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout))
	}
	if c.Registry.TTL <= 0 {
		errs = append(errs, fmt.Errorf("registry.ttl must be positive, got %s", c.Registry.TTL))
	}
	if c.Client.Heartbeat >= c.Registry.TTL {
		errs = append(errs, fmt.Errorf("client.heartbeat (%s) must be shorter than registry.ttl (%s)", c.Client.Heartbeat, c.Registry.TTL))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("client.maxRetries must not be negative, got %d", c.Client.MaxRetries))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rateLimit must not be negative"))
	}
	return errors.Join(errs...)
}

// Endpoints splits the registry address list.
func (c *Config) Endpoints() []string {
	var out []string
	for _, ep := range strings.Split(c.Registry.Address, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// ServerAddress is the host:port the server binds and advertises.
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
