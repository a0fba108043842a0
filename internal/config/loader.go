package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DMFTLOOP"

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins the config file, bypassing discovery. An empty path
// restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it the current one. Each
// override is a nested map merged with the highest precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	configMu.RLock()
	file := configFile
	configMu.RUnlock()
	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 0)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("scheduler.queue_size", 16)
	v.SetDefault("scheduler.rate", 1.0)
	v.SetDefault("scheduler.burst", 2)
	v.SetDefault("scheduler.sbatch_path", "sbatch")
	v.SetDefault("scheduler.sbatch_args", []string{})

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.provider", "s3")
	v.SetDefault("mirror.key_prefix", "dmftloop")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.profile", "")
	v.SetDefault("mirror.force_path_style", false)
	v.SetDefault("mirror.base_dir", "")
}

// readConfigFile loads the pinned file, or the first of the discovery
// paths that exists. A missing discovered file is not an error.
func readConfigFile(v *viper.Viper, pinned string) error {
	if pinned == "" {
		pinned = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if pinned != "" {
		v.SetConfigFile(pinned)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", pinned, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists discovery directories, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "dmftloop"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dmftloop"))
	}
	return append(paths, "/etc/dmftloop")
}

// getEnvSpecs lists the short environment names that do not follow the
// automatic DMFTLOOP_<SECTION>_<KEY> mapping.
func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_SBATCH", Path: "scheduler.sbatch_path"},
		{Name: EnvPrefix + "_MIRROR_BUCKET", Path: "mirror.bucket"},
		{Name: EnvPrefix + "_MIRROR_DIR", Path: "mirror.base_dir"},
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.QueueSize < 1 {
		return fmt.Errorf("scheduler.queue_size must be >= 1")
	}
	if c.Scheduler.Rate < 0 || c.Scheduler.Burst < 0 {
		return fmt.Errorf("scheduler.rate and scheduler.burst must not be negative")
	}
	if c.Mirror.Enabled {
		switch c.Mirror.Provider {
		case "s3":
			if c.Mirror.Bucket == "" {
				return fmt.Errorf("mirror.bucket is required for the s3 provider")
			}
		case "file":
			if c.Mirror.BaseDir == "" {
				return fmt.Errorf("mirror.base_dir is required for the file provider")
			}
		default:
			return fmt.Errorf("unknown mirror provider %q (want s3 or file)", c.Mirror.Provider)
		}
	}
	return nil
}
