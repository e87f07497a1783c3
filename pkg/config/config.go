// Package config provides configuration loading and management for anchordrift.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"anchordrift/internal/logging"
	"anchordrift/internal/models"
	"anchordrift/pkg/anchor"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Anchor region and drift estimation parameters
	Anchor struct {
		// ROI is the anchor area in relative field coordinates
		ROI struct {
			X0 float64 `yaml:"x0"`
			Y0 float64 `yaml:"y0"`
			X1 float64 `yaml:"x1"`
			Y1 float64 `yaml:"y1"`
		} `yaml:"roi"`

		// DwellTime is the per-pixel time of the anchor scan, e.g. "10us"
		DwellTime time.Duration `yaml:"dwellTime"`

		// MaxPixels bounds the size of one anchor scan
		MaxPixels int `yaml:"maxPixels"`

		// MinResolution is the smallest anchor resolution per axis
		MinResolution [2]int `yaml:"minResolution"`

		// Precision is the inverse of the wanted sub-pixel accuracy
		Precision int `yaml:"precision"`

		// Policy is "reference" or "incremental"
		Policy string `yaml:"policy"`

		// HistoryLimit bounds the grids kept after the reference, 0 keeps all
		HistoryLimit int `yaml:"historyLimit"`
	} `yaml:"anchor"`

	// Main scan parameters
	Scan struct {
		// Width is the number of pixels per line
		Width int `yaml:"width"`

		// Height is the number of lines
		Height int `yaml:"height"`

		// PixelTime is the main-scan dwell time per pixel
		PixelTime time.Duration `yaml:"pixelTime"`

		// Period is the main-scan time between two anchor scans
		Period time.Duration `yaml:"period"`
	} `yaml:"scan"`

	// Timeout controls the wait for anchor data: factor x expected + margin
	Timeout struct {
		Factor float64       `yaml:"factor"`
		Margin time.Duration `yaml:"margin"`
	} `yaml:"timeout"`

	// Logging parameters
	Logging struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		AddSource bool   `yaml:"addSource"`
	} `yaml:"logging"`

	// Metrics parameters
	Metrics struct {
		// Addr is the listen address of the /metrics endpoint, empty to disable
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	// Simulation parameters for the demo instrument
	Simulation struct {
		// FieldWidth and FieldHeight are the field of view in scanner pixels
		FieldWidth  int `yaml:"fieldWidth"`
		FieldHeight int `yaml:"fieldHeight"`

		// Features is the number of random specimen features
		Features int `yaml:"features"`

		// Seed drives the specimen layout and the detector noise
		Seed uint64 `yaml:"seed"`

		// NoiseSigma is the detector noise standard deviation
		NoiseSigma float64 `yaml:"noiseSigma"`

		// DriftX and DriftY are the specimen velocity in pixels per second
		DriftX float64 `yaml:"driftX"`
		DriftY float64 `yaml:"driftY"`

		// DeliveryDelay is the real time taken to deliver an anchor frame
		DeliveryDelay time.Duration `yaml:"deliveryDelay"`
	} `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Centred anchor covering a sixteenth of the field
	cfg.Anchor.ROI.X0 = 0.375
	cfg.Anchor.ROI.Y0 = 0.375
	cfg.Anchor.ROI.X1 = 0.625
	cfg.Anchor.ROI.Y1 = 0.625
	cfg.Anchor.DwellTime = 10 * time.Microsecond
	cfg.Anchor.MaxPixels = anchor.DefaultMaxPixels
	cfg.Anchor.MinResolution = [2]int{2, 2}
	cfg.Anchor.Precision = 10
	cfg.Anchor.Policy = anchor.CompareReference.String()

	cfg.Scan.Width = 64
	cfg.Scan.Height = 64
	cfg.Scan.PixelTime = 100 * time.Microsecond
	cfg.Scan.Period = 50 * time.Millisecond

	cfg.Timeout.Factor = 3
	cfg.Timeout.Margin = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Simulation.FieldWidth = 256
	cfg.Simulation.FieldHeight = 256
	cfg.Simulation.Features = 400
	cfg.Simulation.Seed = 1
	cfg.Simulation.DriftX = 2
	cfg.Simulation.DriftY = -1.5

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

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ROI().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Anchor.DwellTime <= 0 {
		errs = append(errs, fmt.Errorf("anchor.dwellTime %v must be positive", c.Anchor.DwellTime))
	}
	if c.Anchor.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("anchor.maxPixels %d must be positive", c.Anchor.MaxPixels))
	}
	if c.Anchor.MinResolution[0] <= 0 || c.Anchor.MinResolution[1] <= 0 {
		errs = append(errs, fmt.Errorf("anchor.minResolution %v must be positive", c.Anchor.MinResolution))
	}
	if c.Anchor.Precision < 1 {
		errs = append(errs, fmt.Errorf("anchor.precision %d must be at least 1", c.Anchor.Precision))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Anchor.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("anchor.historyLimit %d must not be negative", c.Anchor.HistoryLimit))
	}
	if err := c.Geometry().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.PixelTime <= 0 {
		errs = append(errs, fmt.Errorf("scan.pixelTime %v must be positive", c.Scan.PixelTime))
	}
	if c.Scan.Period <= 0 {
		errs = append(errs, fmt.Errorf("scan.period %v must be positive", c.Scan.Period))
	}
	if c.Timeout.Factor < 0 || c.Timeout.Margin < 0 {
		errs = append(errs, fmt.Errorf("timeout factor %v and margin %v must not be negative", c.Timeout.Factor, c.Timeout.Margin))
	}
	if c.Simulation.FieldWidth <= 0 || c.Simulation.FieldHeight <= 0 {
		errs = append(errs, fmt.Errorf("simulation field %dx%d must be positive", c.Simulation.FieldWidth, c.Simulation.FieldHeight))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", models.ErrInvalidArgument, errors.Join(errs...))
}

// ROI returns the anchor area.
func (c *Config) ROI() models.ROI {
	r := c.Anchor.ROI
	return models.ROI{X0: r.X0, Y0: r.Y0, X1: r.X1, Y1: r.Y1}
}

// Limits returns the anchor resolution limits.
func (c *Config) Limits() anchor.Limits {
	return anchor.Limits{MaxPixels: c.Anchor.MaxPixels, MinResolution: c.Anchor.MinResolution}
}

// Policy returns the configured drift policy.
func (c *Config) Policy() (anchor.Policy, error) {
	return anchor.ParsePolicy(c.Anchor.Policy)
}

// Geometry returns the main scan shape.
func (c *Config) Geometry() models.ScanGeometry {
	return models.Shape(c.Scan.Width, c.Scan.Height)
}

// TimeoutPolicy returns the anchor wait budget.
func (c *Config) TimeoutPolicy() anchor.TimeoutPolicy {
	return anchor.ProportionalTimeout(c.Timeout.Factor, c.Timeout.Margin)
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
	}
}
