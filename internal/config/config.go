// Package config loads netsolver settings from YAML. Command-line flags
// override the loaded values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
)

// BuiltinIris names the embedded iris sample as a dataset.
const BuiltinIris = "iris"

// Config is the root of a netsolver YAML file.
type Config struct {
	Log       LogConfig     `json:"log" yaml:"log"`
	Network   NetworkConfig `json:"network" yaml:"network"`
	Optimizer opt.Config    `json:"optimizer" yaml:"optimizer"`
	Store     StoreConfig   `json:"store" yaml:"store"`
	Server    ServerConfig  `json:"server" yaml:"server"`
	Reduce    ReduceConfig  `json:"reduce" yaml:"reduce"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// NetworkConfig describes the model and the data it trains on.
type NetworkConfig struct {
	// Dataset is "iris" or a path to a headerless CSV with a class column
	Dataset    string           `json:"dataset" yaml:"dataset"`
	Classes    int              `json:"classes" yaml:"classes"`
	Hidden     []int            `json:"hidden" yaml:"hidden"`
	Activation model.Activation `json:"activation" yaml:"activation"`
	L2         float64          `json:"l2,omitempty" yaml:"l2"`
	Seed       int64            `json:"seed" yaml:"seed"`
	Normalize  bool             `json:"normalize" yaml:"normalize"`
}

type StoreConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type ServerConfig struct {
	Port int `json:"port" yaml:"port"`

	// CheckpointInterval is the default number of seconds between job
	// checkpoints. Zero disables periodic checkpoints.
	CheckpointInterval int `json:"checkpointInterval" yaml:"checkpoint_interval"`

	// DataDir holds the CSV files job requests may name by relative path.
	// Empty limits requests to the built-in iris data.
	DataDir string `json:"dataDir,omitempty" yaml:"data_dir"`
}

// ReduceConfig configures iterative parameter averaging. One worker
// trains locally without a reduce step.
type ReduceConfig struct {
	Workers     int  `json:"workers" yaml:"workers"`
	Rounds      int  `json:"rounds" yaml:"rounds"`
	Parallelism int  `json:"parallelism" yaml:"parallelism"`
	Weighted    bool `json:"weighted" yaml:"weighted"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Network: NetworkConfig{
			Dataset:    BuiltinIris,
			Classes:    3,
			Hidden:     []int{8},
			Activation: model.ActivationTanh,
			Seed:       12345,
			Normalize:  true,
		},
		Optimizer: opt.DefaultConfig(),
		Store:     StoreConfig{Dir: "./data"},
		Server:    ServerConfig{Port: 8080, CheckpointInterval: 10},
		Reduce:    ReduceConfig{Workers: 1, Rounds: 5},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate normalizes the algorithm name and checks every section.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	alg, err := opt.ParseAlgorithm(string(c.Optimizer.Algorithm))
	if err != nil {
		return err
	}
	c.Optimizer.Algorithm = alg
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}

	if c.Network.Dataset == "" {
		return errors.New("network: dataset is required")
	}
	if c.Network.Classes < 1 {
		return fmt.Errorf("network: classes must be positive, got %d", c.Network.Classes)
	}
	for i, w := range c.Network.Hidden {
		if w < 1 {
			return fmt.Errorf("network: hidden layer %d has width %d", i, w)
		}
	}
	if err := c.NetworkConfig(1).Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	if c.Store.Dir == "" {
		return errors.New("store: dir is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.CheckpointInterval < 0 {
		return fmt.Errorf("server: checkpoint interval must be non-negative, got %d", c.Server.CheckpointInterval)
	}
	if c.Reduce.Workers < 1 {
		return fmt.Errorf("reduce: workers must be positive, got %d", c.Reduce.Workers)
	}
	if c.Reduce.Workers > 1 && c.Reduce.Rounds < 1 {
		return fmt.Errorf("reduce: rounds must be positive, got %d", c.Reduce.Rounds)
	}
	return nil
}

// SolverConfig returns the optimizer section.
func (c Config) SolverConfig() opt.Config {
	return c.Optimizer
}

// NetworkConfig builds the architecture for nIn inputs.
func (c Config) NetworkConfig(nIn int) model.NetworkConfig {
	conf := model.NewDenseConfig(nIn, c.Network.Hidden, c.Network.Classes, c.Network.Activation, c.Network.Seed)
	conf.L2 = c.Network.L2
	return conf
}

// RequestDataset maps a dataset named by a remote client to a local path.
// Only the built-in iris data and relative paths inside Server.DataDir are
// accepted; an empty name keeps the configured dataset.
func (c Config) RequestDataset(name string) (string, error) {
	if name == "" || name == BuiltinIris {
		return name, nil
	}
	if c.Server.DataDir == "" {
		return "", fmt.Errorf("dataset %q rejected: server.data_dir is not set", name)
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("dataset %q must be a relative path inside the data directory", name)
	}
	return filepath.Join(c.Server.DataDir, name), nil
}

// LoadDataset resolves the configured dataset.
func (c Config) LoadDataset() (*model.Dataset, error) {
	var data *model.Dataset
	if c.Network.Dataset == BuiltinIris {
		data = model.Iris()
	} else {
		f, err := os.Open(c.Network.Dataset)
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset: %w", err)
		}
		defer f.Close()

		data, err = model.LoadCSV(f, c.Network.Classes)
		if err != nil {
			return nil, fmt.Errorf("failed to load dataset %s: %w", c.Network.Dataset, err)
		}
	}
	if c.Network.Normalize {
		data.NormalizeZeroMeanUnitVariance()
	}
	return data, nil
}
