// Package config loads taskd configuration.
//
// Precedence, highest first: runtime overrides, TASKD_* environment
// variables, the config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable taskd reads.
const EnvPrefix = "TASKD"

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string

	validate = validator.New()
)

// envSpec maps an environment variable to a configuration path.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs returns the short environment aliases. Every other key is
// also reachable as TASKD_<SECTION>_<KEY>.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_ARTIFACT_DIR", Path: "registry.artifact_dir"},
		{Name: EnvPrefix + "_SERVICE_NAME", Path: "registry.service_name"},
	}
}

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("registry.radix", "jobs")
	v.SetDefault("registry.service_name", "taskd")
	v.SetDefault("registry.start_wait", "2s")
	v.SetDefault("registry.remove_wait", "5s")
	v.SetDefault("registry.reap_interval", "10m")
	v.SetDefault("registry.artifact_dir", "")
	v.SetDefault("registry.artifact_ttl", "24h")

	v.SetDefault("encoding.radix", "encoders")
	v.SetDefault("encoding.pool_size", 8)

	v.SetDefault("alarms.capacity", 256)

	v.SetDefault("plugin.search_paths", []string{"builtin", "output"})
}

// builtinDeclarations returns the plugin entries every deployment starts
// with; a config file may add to or override them.
func builtinDeclarations() map[string]any {
	return map[string]any{
		"encoders": map[string]any{
			"jsonl": map[string]any{"classname": "JSONLEncoder"},
			"csv":   map[string]any{"classname": "CSVEncoder"},
			"yaml":  map[string]any{"classname": "YAMLEncoder"},
		},
		"jobs": map[string]any{
			"countdown": map[string]any{
				"classname":   "Countdown",
				"description": "Count down through phased steps",
			},
		},
	}
}

// SetConfigFile selects an explicit config file for later Load calls. An
// empty path restores the search in "." and $HOME/.config/taskd.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it the current one.
//
// overrides are nested maps ({"server": {"port": 9000}}) applied above
// every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, envName(spec.Path)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Registry.ArtifactDir == "" {
		cfg.Registry.ArtifactDir = filepath.Join(os.TempDir(), "taskd", "artifacts")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// viper folds key case, so plugin entries are read again from the
	// file as written.
	fileTree, err := readTree(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	tree := builtinDeclarations()
	mergeTree(tree, fileTree)
	for _, o := range overrides {
		mergeTree(tree, o)
	}
	mergeTree(tree, map[string]any{
		"plugin": map[string]any{"search_paths": cfg.Plugin.SearchPaths},
	})
	cfg.Tree = tree

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("taskd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "taskd"))
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

// readTree decodes the config file keeping the case of every key. An
// empty path yields no entries.
func readTree(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case "", ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("read config %s: plugin declarations need a YAML or JSON file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return tree, nil
}

// mergeTree deep-merges src into dst. Keys match exactly; nested maps are
// copied rather than shared.
func mergeTree(dst, src map[string]any) {
	for key, val := range src {
		nested, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		sub, ok := dst[key].(map[string]any)
		if !ok {
			sub = make(map[string]any, len(nested))
			dst[key] = sub
		}
		mergeTree(sub, nested)
	}
}

func envName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
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
