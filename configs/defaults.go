package configs

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	//go:embed config.example.yaml
	defaultConfigYAML string

	defaultConfigOnce sync.Once
	defaultViper      *viper.Viper
	defaultConfig     Config
	defaultConfigErr  error

	// deployment-specific sections never fall back to the example values
	noDefaultPrefixes = []string{"networks.", "executor."}
)

func loadDefaults() {
	defaultConfigOnce.Do(func() {
		v := viper.New()
		v.SetConfigType("yaml")
		if err := v.ReadConfig(strings.NewReader(defaultConfigYAML)); err != nil {
			defaultConfigErr = fmt.Errorf("failed to read embedded config.example.yaml: %w", err)
			return
		}

		if err := v.Unmarshal(&defaultConfig); err != nil {
			defaultConfigErr = fmt.Errorf("failed to decode embedded config.example.yaml: %w", err)
			return
		}
		defaultViper = v
	})
}

// DefaultConfig returns the parsed configuration from the embedded config.example.yaml.
func DefaultConfig() (Config, error) {
	loadDefaults()
	if defaultConfigErr != nil {
		return Config{}, defaultConfigErr
	}

	return defaultConfig, nil
}

// MustDefaultConfig returns embedded defaults or panics if they cannot be loaded.
func MustDefaultConfig() Config {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(err)
	}
	return cfg
}

// ApplyDefaults registers the embedded values as viper defaults for every
// key except networks and the executor key.
func ApplyDefaults(v *viper.Viper) error {
	loadDefaults()
	if defaultConfigErr != nil {
		return defaultConfigErr
	}

	for _, key := range defaultViper.AllKeys() {
		if hasAnyPrefix(key, noDefaultPrefixes) {
			continue
		}
		v.SetDefault(key, defaultViper.Get(key))
	}
	return nil
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
