// Package config loads and validates rtmonitor's settings
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/practable/rtmonitor/internal/rtmonitor"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RTMONITOR_LISTEN
const EnvPrefix = "RTMONITOR"

// HTTP holds a monitor's routing
type HTTP struct {
	// URI is the path clients connect on
	URI string `mapstructure:"uri" json:"uri" validate:"required"`
}

// Monitor configures one feed
type Monitor struct {
	// Address is the bus address to subscribe to
	Address string `mapstructure:"address" json:"address" validate:"required"`
	HTTP    HTTP   `mapstructure:"http" json:"http"`
	// RecordsArray is the dotted path to the record array, if any
	RecordsArray string `mapstructure:"records_array" json:"records_array"`
	// RecordIndex is the dotted path to each record's key, if any
	RecordIndex string `mapstructure:"record_index" json:"record_index"`
}

// PurgeRule gives clients with a particular metadata value a shorter maximum age
type PurgeRule struct {
	Field  string        `mapstructure:"field" json:"field" validate:"required"`
	Value  string        `mapstructure:"value" json:"value" validate:"required"`
	MaxAge time.Duration `mapstructure:"max_age" json:"max_age" validate:"gt=0"`
}

// Purge configures the purge sweep
type Purge struct {
	Every  time.Duration `mapstructure:"every" json:"every" validate:"gte=0"`
	MaxAge time.Duration `mapstructure:"max_age" json:"max_age" validate:"gte=0"`
	Rules  []PurgeRule   `mapstructure:"rules" json:"rules" validate:"dive"`
}

// Log configures logging
type Log struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json text"`
	// File is a path, or stdout
	File string `mapstructure:"file" json:"file" validate:"required"`
}

// Config holds everything serve needs
type Config struct {
	Listen int `mapstructure:"listen" json:"listen" validate:"gt=0,lt=65536"`

	// Secret verifies admission tokens
	Secret string `mapstructure:"secret" json:"-" validate:"required"`

	// Bus is the url of the bus; empty uses the in-process hub
	Bus string `mapstructure:"bus" json:"bus"`

	// BusName identifies this process to the bus
	BusName string `mapstructure:"bus_name" json:"bus_name"`

	// Publish enables the /publish endpoint
	Publish bool `mapstructure:"publish" json:"publish"`

	// Buffer is the length of each client's send queue and each monitor's envelope queue
	Buffer int `mapstructure:"buffer" json:"buffer" validate:"gt=0"`

	Log Log `mapstructure:"log" json:"log"`

	Purge Purge `mapstructure:"purge" json:"purge"`

	Monitors []Monitor `mapstructure:"monitors" json:"monitors" validate:"required,min=1,dive"`
}

// SetDefaults registers defaults and environment variable handling on v
func SetDefaults(v *viper.Viper) {

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("bus", "")
	v.SetDefault("bus_name", "rtmonitor")
	v.SetDefault("publish", false)
	v.SetDefault("buffer", 256)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "stdout")
	v.SetDefault("purge.every", "60s")
	v.SetDefault("purge.max_age", "24h")
}

// Load reads the config file named by RTMONITOR_CONFIG, if any, then
// decodes and validates the result
func Load(v *viper.Viper) (*Config, error) {

	SetDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var c Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks c against its validate tags, and that monitors do not collide
func (c *Config) Validate() error {

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	uris := make(map[string]bool)
	addresses := make(map[string]bool)

	for _, m := range c.Monitors {

		uri := "/" + strings.Trim(m.HTTP.URI, "/")

		if uris[uri] {
			return fmt.Errorf("invalid config: two monitors on %s", uri)
		}
		uris[uri] = true

		if addresses[m.Address] {
			return fmt.Errorf("invalid config: two monitors subscribe to %s", m.Address)
		}
		addresses[m.Address] = true

		for _, reserved := range []string{"/publish", "/status", "/metrics"} {
			if uri == reserved || strings.HasPrefix(uri, reserved+"/") {
				return fmt.Errorf("invalid config: monitor path %s is reserved", uri)
			}
		}
	}

	return nil
}

// MonitorConfigs converts the monitors for the engine
func (c *Config) MonitorConfigs() []rtmonitor.MonitorConfig {
	mc := []rtmonitor.MonitorConfig{}
	for _, m := range c.Monitors {
		mc = append(mc, rtmonitor.MonitorConfig{
			Address:      m.Address,
			URI:          m.HTTP.URI,
			RecordsArray: m.RecordsArray,
			RecordIndex:  m.RecordIndex,
		})
	}
	return mc
}

// PurgeRules converts the purge rules for the engine
func (c *Config) PurgeRules() []rtmonitor.PurgeRule {
	pr := []rtmonitor.PurgeRule{}
	for _, r := range c.Purge.Rules {
		pr = append(pr, rtmonitor.PurgeRule{Field: r.Field, Value: r.Value, MaxAge: r.MaxAge})
	}
	return pr
}
