package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/pecron"
)

const (
	EnvPrefix = "PECRON"

	// DefaultConfigName is looked up in the home directory as .pecron.yaml.
	DefaultConfigName = ".pecron"
)

type Config struct {
	Region   string         `mapstructure:"region" yaml:"region"`
	Email    string         `mapstructure:"email" yaml:"email"`
	Password string         `mapstructure:"password" yaml:"-"`
	Timeout  time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Retries  int            `mapstructure:"retries" yaml:"retries"`
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Switches SwitchesConfig `mapstructure:"switches" yaml:"switches"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	MQTT     MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`
	Influx   InfluxConfig   `mapstructure:"influx" yaml:"influx"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SwitchConfig is the code and wire values for one output switch. Values
// given as text (from the environment) are parsed like command-line values.
type SwitchConfig struct {
	Code string `mapstructure:"code" yaml:"code"`
	On   any    `mapstructure:"on" yaml:"on"`
	Off  any    `mapstructure:"off" yaml:"off"`
}

type SwitchesConfig struct {
	AC SwitchConfig `mapstructure:"ac" yaml:"ac"`
	DC SwitchConfig `mapstructure:"dc" yaml:"dc"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// RefreshEvery reloads the device list every N polls.
	RefreshEvery int      `mapstructure:"refresh_every" yaml:"refresh_every"`
	Devices      []string `mapstructure:"devices" yaml:"devices"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"-"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `mapstructure:"qos" yaml:"qos"`
}

type InfluxConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Token       string `mapstructure:"token" yaml:"-"`
	Org         string `mapstructure:"org" yaml:"org"`
	Bucket      string `mapstructure:"bucket" yaml:"bucket"`
	Measurement string `mapstructure:"measurement" yaml:"measurement"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// SetDefaults registers every key so environment variables are seen by
// Unmarshal even when no config file sets them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("region", string(pecron.RegionUS))
	v.SetDefault("email", "")
	v.SetDefault("password", "")
	v.SetDefault("timeout", pecron.DefaultTimeout)
	v.SetDefault("retries", 0)
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("log.level", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("switches.ac.code", pecron.CodeACSwitch)
	v.SetDefault("switches.ac.on", true)
	v.SetDefault("switches.ac.off", false)
	v.SetDefault("switches.dc.code", pecron.CodeDCSwitch)
	v.SetDefault("switches.dc.on", true)
	v.SetDefault("switches.dc.off", false)

	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.refresh_every", 10)
	v.SetDefault("monitor.devices", []string{})

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "pecron-terminal")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "pecron")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.measurement", "power_station")

	v.SetDefault("metrics.listen", "")
}

// New builds a viper instance with defaults, PECRON_* environment variables
// and, if present, the config file. An explicit path must exist; the default
// $HOME/.pecron.yaml is optional.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return v, nil
	}

	v.SetConfigName(DefaultConfigName)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// LogOptions converts the log section for core.InitLogger.
func (c *Config) LogOptions() core.LogOptions {
	return core.LogOptions{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// SwitchEncodings converts the switches section for pecron.WithSwitchEncodings.
func (c *Config) SwitchEncodings() pecron.SwitchEncodings {
	return pecron.SwitchEncodings{
		pecron.SwitchAC: c.Switches.AC.encoding(),
		pecron.SwitchDC: c.Switches.DC.encoding(),
	}
}

func (s SwitchConfig) encoding() pecron.SwitchEncoding {
	return pecron.SwitchEncoding{
		Code: s.Code,
		On:   wireValue(s.On),
		Off:  wireValue(s.Off),
	}
}

func wireValue(v any) any {
	if s, ok := v.(string); ok {
		return pecron.ParseValue(s)
	}
	return v
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pecron-data"
	}
	return filepath.Join(home, ".pecron-data")
}
