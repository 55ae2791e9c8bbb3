// Package config provides configuration loading and management for roiconsensus.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// IOWorkers bounds the concurrent label-map reads
		IOWorkers int `yaml:"ioWorkers"`

		// UnitWorkers bounds the concurrent per-ROI / per-cluster-count units
		UnitWorkers int `yaml:"unitWorkers"`

		// AggregationWorkers is the row-striping fan-out inside one
		// co-association build
		AggregationWorkers int `yaml:"aggregationWorkers"`

		// MinClusters and MaxClusters bound the cluster-count sweep
		MinClusters int `yaml:"minClusters"`
		MaxClusters int `yaml:"maxClusters"`

		// GroupThreshold restricts the consensus domain to voxels labelled
		// in more than this fraction of subjects. Negative uses the ROI mask.
		GroupThreshold float64 `yaml:"groupThreshold"`
	} `yaml:"processing"`

	// Spectral clustering parameters
	Clustering struct {
		// Seed drives k-means++ initialization
		Seed uint64 `yaml:"seed"`

		// NInit is the number of k-means restarts
		NInit int `yaml:"nInit"`

		// MaxIter bounds the iterations of one k-means run
		MaxIter int `yaml:"maxIter"`

		// Tolerance is the relative k-means convergence threshold
		Tolerance float64 `yaml:"tolerance"`

		// CheckConnectivity warns about disconnected affinity graphs
		CheckConnectivity bool `yaml:"checkConnectivity"`
	} `yaml:"clustering"`

	// Label correspondence parameters
	Correspondence struct {
		// UnmatchedPolicy is background, fresh or nearest
		UnmatchedPolicy string `yaml:"unmatchedPolicy"`
	} `yaml:"correspondence"`

	// Validation parameters
	Validation struct {
		// SplitIterations is the number of random split-half draws
		SplitIterations int `yaml:"splitIterations"`

		// SplitSeed seeds the subject shuffles
		SplitSeed uint64 `yaml:"splitSeed"`
	} `yaml:"validation"`

	// Heuristics parameters
	Heuristics struct {
		// Components is the number of principal components analysed
		Components int `yaml:"components"`
	} `yaml:"heuristics"`

	// Storage parameters
	Storage struct {
		// Root is the directory holding masks, subject maps and outputs
		Root string `yaml:"root"`

		// KeepPreviousVersions retains an overwritten artifact under a
		// run-specific name
		KeepPreviousVersions bool `yaml:"keepPreviousVersions"`
	} `yaml:"storage"`

	// Logging parameters
	Logging struct {
		// Level is a zerolog level name
		Level string `yaml:"level"`

		// Pretty switches to human-readable console output
		Pretty bool `yaml:"pretty"`
	} `yaml:"logging"`

	// Telemetry parameters
	Telemetry struct {
		// MetricsFile receives the batch metrics in Prometheus text format.
		// Empty disables the export.
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.IOWorkers = 4
	cfg.Processing.UnitWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.AggregationWorkers = runtime.NumCPU()
	cfg.Processing.MinClusters = 2
	cfg.Processing.MaxClusters = 10
	cfg.Processing.GroupThreshold = -1

	// Set default clustering parameters
	cfg.Clustering.Seed = 0
	cfg.Clustering.NInit = 10
	cfg.Clustering.MaxIter = 300
	cfg.Clustering.Tolerance = 1e-4
	cfg.Clustering.CheckConnectivity = false

	cfg.Correspondence.UnmatchedPolicy = "background"

	cfg.Validation.SplitIterations = 10
	cfg.Validation.SplitSeed = 1

	cfg.Heuristics.Components = 50

	cfg.Storage.Root = "."
	cfg.Storage.KeepPreviousVersions = true

	cfg.Logging.Level = "info"
	cfg.Logging.Pretty = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks the value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Processing.IOWorkers < 1:
		return fmt.Errorf("processing.ioWorkers must be at least 1, got %d", c.Processing.IOWorkers)
	case c.Processing.UnitWorkers < 1:
		return fmt.Errorf("processing.unitWorkers must be at least 1, got %d", c.Processing.UnitWorkers)
	case c.Processing.AggregationWorkers < 0:
		return fmt.Errorf("processing.aggregationWorkers must not be negative, got %d", c.Processing.AggregationWorkers)
	case c.Processing.MinClusters < 1:
		return fmt.Errorf("processing.minClusters must be at least 1, got %d", c.Processing.MinClusters)
	case c.Processing.MaxClusters < c.Processing.MinClusters:
		return fmt.Errorf("processing.maxClusters (%d) below minClusters (%d)", c.Processing.MaxClusters, c.Processing.MinClusters)
	case c.Processing.GroupThreshold > 1:
		return fmt.Errorf("processing.groupThreshold must not exceed 1, got %g", c.Processing.GroupThreshold)
	case c.Clustering.NInit < 1:
		return fmt.Errorf("clustering.nInit must be at least 1, got %d", c.Clustering.NInit)
	case c.Clustering.MaxIter < 1:
		return fmt.Errorf("clustering.maxIter must be at least 1, got %d", c.Clustering.MaxIter)
	case c.Clustering.Tolerance < 0:
		return fmt.Errorf("clustering.tolerance must not be negative, got %g", c.Clustering.Tolerance)
	case c.Validation.SplitIterations < 0:
		return fmt.Errorf("validation.splitIterations must not be negative, got %d", c.Validation.SplitIterations)
	case c.Heuristics.Components < 1:
		return fmt.Errorf("heuristics.components must be at least 1, got %d", c.Heuristics.Components)
	}
	switch strings.ToLower(c.Correspondence.UnmatchedPolicy) {
	case "", "background", "fresh", "unresolved", "nearest":
	default:
		return fmt.Errorf("correspondence.unmatchedPolicy %q is not one of background, fresh, nearest", c.Correspondence.UnmatchedPolicy)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// CreateLogger builds the process logger from the logging section.
func (c *Config) CreateLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || c.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	if c.Logging.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "roiconsensus").
		Logger()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
