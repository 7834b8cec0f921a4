package deployers

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config configures a Deployer. The zero value is not usable directly; start
// from DefaultConfig.
type Config struct {
	// Seed of the process-wide RNG key. Every random decision of a run
	// (shuffling, dropout keys) derives from it.
	Seed int64 `yaml:"seed"`

	// NModelShards is the number of model-parallel shards. 1 means no model
	// sharding: parameters are replicated across devices.
	NModelShards int `yaml:"n_model_shards"`

	// WorkDir is where per-epoch result files are written. Empty disables
	// result persistence.
	WorkDir string `yaml:"workdir"`
}

// DefaultConfig returns the configuration used when the caller does not care:
// a fixed seed and no model sharding.
func DefaultConfig() Config {
	return Config{Seed: 42, NModelShards: 1}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %q", path)
	}
	return config, nil
}
