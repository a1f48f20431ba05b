// Package config loads the proxy configuration.
//
// Values are layered, highest priority first: command-line flags,
// PM2_PROXY_* environment variables, a YAML config file, then the defaults
// below. Nested keys map to environment variables with "." replaced by
// "_", so pm2.bin is read from PM2_PROXY_PM2_BIN.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "PM2_PROXY"

// Process directory backends.
const (
	BackendPM2    = "pm2"
	BackendDocker = "docker"
)

// Socket table sources for the port scanner.
const (
	ScannerNetstat = "netstat"
	ScannerProcfs  = "procfs"
)

// Log output formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is the resolved configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Range   string `mapstructure:"range"`
	Backend string `mapstructure:"backend"`
	Scanner string `mapstructure:"scanner"`

	PM2 struct {
		Bin string `mapstructure:"bin"`
	} `mapstructure:"pm2"`

	Docker struct {
		Host  string `mapstructure:"host"`
		Label string `mapstructure:"label"`
	} `mapstructure:"docker"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	// Static mode only.
	Routes string `mapstructure:"routes"`
	Domain string `mapstructure:"domain"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment variables to be picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 8080)
	v.SetDefault("range", fmt.Sprintf("%d,%d", model.DefaultPortRange.Low, model.DefaultPortRange.High))
	v.SetDefault("backend", BackendPM2)
	v.SetDefault("scanner", ScannerNetstat)
	v.SetDefault("pm2.bin", "pm2")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.label", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", LogFormatConsole)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("routes", "")
	v.SetDefault("domain", "")
}

// New returns a viper instance with defaults and environment lookup set
// up. Flags are bound by the caller.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and decodes the result.
// The returned Config has not been validated.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, model.Wrap(err, model.KindConfig, "failed to read config file", model.Data{"file": path})
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, model.Wrap(err, model.KindConfig, "failed to decode configuration", nil)
	}
	return &c, nil
}

// Validate checks every setting used by both modes. Static-mode fields are
// checked by the static router.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range (1-65535)", c.Port))
	}
	if _, err := c.PortRange(); err != nil {
		errs = append(errs, err)
	}
	if c.Backend != BackendPM2 && c.Backend != BackendDocker {
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendPM2, BackendDocker))
	}
	if c.Scanner != ScannerNetstat && c.Scanner != ScannerProcfs {
		errs = append(errs, fmt.Errorf("unknown scanner %q (want %s or %s)", c.Scanner, ScannerNetstat, ScannerProcfs))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.Log.Format != LogFormatConsole && c.Log.Format != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unknown log format %q (want %s or %s)", c.Log.Format, LogFormatConsole, LogFormatJSON))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("invalid metrics listen address: %w", err))
		}
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return model.Wrap(errs[0], model.KindConfig, "invalid configuration", nil)
	default:
		return model.WrapMulti(errs, model.KindConfig, "invalid configuration", nil)
	}
}

// PortRange parses the discovery range.
func (c *Config) PortRange() (model.PortRange, error) {
	return model.ParsePortRange(c.Range)
}

// ListenAddr is the dispatcher's bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Debug reports whether the log level is debug or more verbose.
func (c *Config) Debug() bool {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	return err == nil && lvl <= zerolog.DebugLevel
}

// IsConfigError reports whether err is a configuration failure.
func IsConfigError(err error) bool {
	return errors.Is(err, model.ErrConfig)
}
