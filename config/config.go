// Package config loads and validates the YAML document describing an
// estimator run: dimensions, feature map, pretraining, I/O endpoints,
// checkpointing, recording and logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-online-rls/errs"
	"github.com/n0madic/go-online-rls/logging"
	"github.com/n0madic/go-online-rls/pretrain"
	rfmapper "github.com/n0madic/go-online-rls/rf-mapper"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration document.
type Config struct {
	Name        string                `yaml:"name"`
	General     General               `yaml:"general"`
	Projections []rfmapper.Projection `yaml:"projections,omitempty"`
	Pretrain    Pretrain              `yaml:"pretrain"`
	IO          IO                    `yaml:"io"`
	Checkpoint  Checkpoint            `yaml:"checkpoint"`
	Record      Record                `yaml:"record"`
	Log         logging.Config        `yaml:"log"`
}

// General holds the model dimensions.
type General struct {
	DIn     int     `yaml:"d_in"`
	D       int     `yaml:"d,omitempty"` // derived from num_rf and mapping when zero
	T       int     `yaml:"t"`
	NumRF   int     `yaml:"num_rf"`
	Mapping string  `yaml:"mapping"`
	Lambda  float64 `yaml:"lambda"`
	// MapFeatures disables the feature map when false, so d = d_in.
	MapFeatures *bool `yaml:"map_features,omitempty"`
}

// Pretrain configures the optional batch initialization.
type Pretrain struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Count   int    `yaml:"count"`
	Policy  string `yaml:"policy"`
}

// IO names the transports, see transport.OpenSource and transport.OpenSink.
type IO struct {
	Input       string `yaml:"input"`
	Prediction  string `yaml:"prediction"`
	Performance string `yaml:"performance"`
	RPCAddr     string `yaml:"rpc_addr"`
}

// Checkpoint configures periodic gob snapshots of the estimator.
type Checkpoint struct {
	Path  string `yaml:"path"`
	Every int    `yaml:"every"`
}

// Record configures the SQLite run history.
type Record struct {
	DB      string `yaml:"db"`
	RunName string `yaml:"run_name"`
}

// Default returns the configuration of a one-dimensional linear model with a
// single identity projection, reading stdin and writing predictions to stdout.
func Default() *Config {
	return &Config{
		Name: "rrls",
		General: General{
			DIn:     1,
			T:       1,
			NumRF:   1,
			Mapping: rfmapper.Linear.String(),
			Lambda:  1.0,
		},
		Projections: []rfmapper.Projection{{W: []float64{1}}},
		Pretrain: Pretrain{
			Path:   "data/train.dat",
			Count:  2,
			Policy: pretrain.Degrade.String(),
		},
		IO: IO{
			Input:       "-",
			Prediction:  "-",
			Performance: "discard",
			RPCAddr:     "127.0.0.1:7700",
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
// The file must have a .yaml or .yml extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: config file must have .yaml or .yml extension, got %q", errs.ErrConfigInvalid, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", errs.ErrConfigInvalid, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %w", errs.ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MapsFeatures reports whether the feature map stage is enabled.
func (c *Config) MapsFeatures() bool {
	return c.General.MapFeatures == nil || *c.General.MapFeatures
}

// Variant returns the parsed mapping variant.
func (c *Config) Variant() (rfmapper.Variant, error) {
	return rfmapper.ParseVariant(c.General.Mapping)
}

// FeatureDim returns d, the estimator's input dimension.
func (c *Config) FeatureDim() int {
	if !c.MapsFeatures() {
		return c.General.DIn
	}
	v, err := c.Variant()
	if err != nil {
		return 0
	}
	return v.Dim(c.General.NumRF)
}

// Mapper builds the feature mapper, or returns nil when mapping is disabled.
func (c *Config) Mapper() (*rfmapper.Mapper, error) {
	if !c.MapsFeatures() {
		return nil, nil
	}
	v, err := c.Variant()
	if err != nil {
		return nil, err
	}
	return rfmapper.New(c.General.DIn, c.General.NumRF, v, c.Projections)
}

// PretrainOptions converts the pretraining section for pretrain.Run.
func (c *Config) PretrainOptions() (pretrain.Options, error) {
	policy, err := pretrain.ParsePolicy(c.Pretrain.Policy)
	if err != nil {
		return pretrain.Options{}, err
	}
	return pretrain.Options{
		Enabled: c.Pretrain.Enabled,
		Path:    c.Pretrain.Path,
		Count:   c.Pretrain.Count,
		Policy:  policy,
		DIn:     c.General.DIn,
		D:       c.FeatureDim(),
		T:       c.General.T,
		Lambda:  c.General.Lambda,
	}, nil
}

// Validate checks that the configuration values are valid. Every failure wraps
// errs.ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		if errors.Is(err, errs.ErrConfigInvalid) {
			return err
		}
		return fmt.Errorf("%w: %w", errs.ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	g := c.General
	if g.DIn <= 0 {
		return fmt.Errorf("general.d_in must be positive, got %d", g.DIn)
	}
	if g.T <= 0 {
		return fmt.Errorf("general.t must be positive, got %d", g.T)
	}
	if !(g.Lambda > 0) || math.IsInf(g.Lambda, 0) {
		return fmt.Errorf("general.lambda must be positive and finite, got %v", g.Lambda)
	}

	if c.MapsFeatures() {
		if g.NumRF <= 0 {
			return fmt.Errorf("general.num_rf must be positive, got %d", g.NumRF)
		}
		// validates variant, projection count and projection lengths
		if _, err := c.Mapper(); err != nil {
			return err
		}
	}
	if g.D != 0 && g.D != c.FeatureDim() {
		return fmt.Errorf("general.d is %d but mapping %q with num_rf=%d gives %d", g.D, g.Mapping, g.NumRF, c.FeatureDim())
	}

	if _, err := pretrain.ParsePolicy(c.Pretrain.Policy); err != nil {
		return err
	}
	if c.Pretrain.Enabled {
		if c.Pretrain.Path == "" {
			return errors.New("pretrain.path is required when pretraining is enabled")
		}
		if c.Pretrain.Count <= 0 {
			return fmt.Errorf("pretrain.count must be positive, got %d", c.Pretrain.Count)
		}
	}

	if c.IO.Input == "" {
		return errors.New("io.input is required")
	}
	if c.Checkpoint.Every < 0 {
		return fmt.Errorf("checkpoint.every must be non-negative, got %d", c.Checkpoint.Every)
	}
	if c.Checkpoint.Every > 0 && c.Checkpoint.Path == "" {
		return errors.New("checkpoint.path is required when checkpoint.every is set")
	}

	return c.Log.Validate()
}
