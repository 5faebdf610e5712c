package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tejusbharadwaj/owenlers/internal/models"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. OWENLERS_SINK_TOKEN overrides sink.token.
const EnvPrefix = "OWENLERS"

// Config holds all configuration for the bridge
type Config struct {
	Source        SourceConfig   `mapstructure:"source" yaml:"source,omitempty"`
	Sink          SinkConfig     `mapstructure:"sink" yaml:"sink,omitempty"`
	Sync          SyncConfig     `mapstructure:"sync" yaml:"sync,omitempty"`
	MeasurePoints []MeasurePoint `mapstructure:"measure_points" yaml:"measure_points,omitempty"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging,omitempty"`
	Metrics       MetricsConfig  `mapstructure:"metrics" yaml:"metrics,omitempty"`
	Health        HealthConfig   `mapstructure:"health" yaml:"health,omitempty"`
	Journal       JournalConfig  `mapstructure:"journal" yaml:"journal,omitempty"`
	Mirror        MirrorConfig   `mapstructure:"mirror" yaml:"mirror,omitempty"`
	Status        StatusConfig   `mapstructure:"status" yaml:"status,omitempty"`
}

type SourceConfig struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Login    string        `mapstructure:"login" yaml:"login,omitempty"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

type SinkConfig struct {
	ServerURL      string        `mapstructure:"server_url" yaml:"server_url,omitempty"`
	Token          string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst,omitempty"`
}

type SyncConfig struct {
	SendInterval int    `mapstructure:"send_interval" yaml:"send_interval,omitempty"` // seconds
	Delivery     string `mapstructure:"delivery" yaml:"delivery,omitempty"`
}

// Interval returns the pause between cycles.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.SendInterval) * time.Second
}

// MeasurePoint lists the OwenCloud parameters routed into one LERS measure point.
type MeasurePoint struct {
	ID         string           `mapstructure:"id" yaml:"id,omitempty"`
	Parameters []ParameterRoute `mapstructure:"parameters" yaml:"parameters,omitempty"`
}

type ParameterRoute struct {
	SourceID      string `mapstructure:"source_id" yaml:"source_id,omitempty"`
	DataParameter string `mapstructure:"data_parameter" yaml:"data_parameter,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level,omitempty"`
	Format string `mapstructure:"format" yaml:"format,omitempty"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

type HealthConfig struct {
	Port int `mapstructure:"port" yaml:"port,omitempty"`
}

type JournalConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

type MirrorConfig struct {
	URL    string `mapstructure:"url" yaml:"url,omitempty"`
	Token  string `mapstructure:"token" yaml:"token,omitempty"`
	Org    string `mapstructure:"org" yaml:"org,omitempty"`
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`
}

type StatusConfig struct {
	RecentPoints int `mapstructure:"recent_points" yaml:"recent_points,omitempty"`
}

// LoadDotEnv loads variables from the given .env files. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://api.owencloud.ru/v1")
	v.SetDefault("source.timeout", "30s")

	v.SetDefault("sink.timeout", "30s")
	v.SetDefault("sink.rate_limit", 5.0)
	v.SetDefault("sink.rate_limit_burst", 10)

	v.SetDefault("sync.send_interval", 60)
	v.SetDefault("sync.delivery", string(regroup.AtMostOnce))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("health.port", 0)
	v.SetDefault("status.recent_points", 256)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}

	require(c.Source.Login, "source.login")
	require(c.Source.Password, "source.password")
	require(c.Sink.ServerURL, "sink.server_url")
	require(c.Sink.Token, "sink.token")

	if c.Sync.SendInterval <= 0 {
		problems = append(problems, "sync.send_interval must be positive")
	}
	if _, err := regroup.ParsePolicy(c.Sync.Delivery); err != nil {
		problems = append(problems, "sync.delivery: "+err.Error())
	}
	if c.Mirror.URL != "" && (c.Mirror.Org == "" || c.Mirror.Bucket == "") {
		problems = append(problems, "mirror.org and mirror.bucket are required with mirror.url")
	}

	if len(c.MeasurePoints) == 0 {
		problems = append(problems, "at least one measure point is required")
	}
	if c.Status.RecentPoints <= 0 {
		problems = append(problems, "status.recent_points must be positive")
	}

	seen := make(map[int64]string)
	for i, mp := range c.MeasurePoints {
		if mp.ID == "" {
			problems = append(problems, fmt.Sprintf("measure_points[%d].id is required", i))
		}
		if len(mp.Parameters) == 0 {
			problems = append(problems, fmt.Sprintf("measure point %q has no parameters", mp.ID))
		}
		for _, p := range mp.Parameters {
			id, err := strconv.ParseInt(p.SourceID, 10, 64)
			if err != nil {
				problems = append(problems, fmt.Sprintf("measure point %q: source_id %q is not numeric", mp.ID, p.SourceID))
				continue
			}
			// OwenCloud answers with the canonical form; "007" would never match "7".
			if strconv.FormatInt(id, 10) != p.SourceID {
				problems = append(problems, fmt.Sprintf("measure point %q: source_id %q must be written as %d", mp.ID, p.SourceID, id))
				continue
			}
			if p.DataParameter == "" {
				problems = append(problems, fmt.Sprintf("measure point %q: parameter %s has no data_parameter", mp.ID, p.SourceID))
			}
			if other, dup := seen[id]; dup {
				problems = append(problems, fmt.Sprintf("parameter %s is routed to both %q and %q", p.SourceID, other, mp.ID))
				continue
			}
			seen[id] = mp.ID
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Credentials returns the OwenCloud login.
func (c *Config) Credentials() models.Credentials {
	return models.Credentials{Login: c.Source.Login, Password: c.Source.Password}
}

// Routes converts the measure point table into the engine's route model.
func (c *Config) Routes() []models.MeasurePoint {
	points := make([]models.MeasurePoint, 0, len(c.MeasurePoints))
	for _, mp := range c.MeasurePoints {
		point := models.MeasurePoint{ID: mp.ID}
		for _, p := range mp.Parameters {
			point.Routes = append(point.Routes, models.Route{
				ParameterID:   p.SourceID,
				DataParameter: p.DataParameter,
			})
		}
		points = append(points, point)
	}
	return points
}
