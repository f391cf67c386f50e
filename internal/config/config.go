// Package config loads the detector configuration from a YAML file.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Devices accepted by Model.Device.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config is the full detector configuration.
type Config struct {
	Model   Model   `yaml:"model"`
	Runtime Runtime `yaml:"runtime"`
	Log     Log     `yaml:"log"`
	Server  Server  `yaml:"server"`
	TempDir string  `yaml:"temp_dir"` // scratch dir for the smoke test, empty means os.TempDir()
}

// Model describes where the classifier graph lives and how to run it.
type Model struct {
	Name        string `yaml:"name"`         // reported in results
	WeightsPath string `yaml:"weights_path"` // fine-tuned ONNX graph
	BasePath    string `yaml:"base_path"`    // pretrained backbone with an untrained head
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
	Device      string `yaml:"device"` // auto, cpu or cuda
	Seed        uint64 `yaml:"seed"`   // initializes the untrained head
}

// Runtime configures the ONNX Runtime shared library.
type Runtime struct {
	LibraryPath string `yaml:"library_path"`
}

// Log configures the zap logger.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Server configures the HTTP boundary.
type Server struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: Model{
			Name:        "VGG19",
			WeightsPath: "models/vgg19_glaucoma.onnx",
			BasePath:    "models/vgg19_base.onnx",
			InputName:   "input",
			OutputName:  "output",
			Device:      DeviceAuto,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Server: Server{
			Port:           8080,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   10 << 20,
		},
	}
}

// Load reads path, substitutes ${VAR} references from the environment and
// decodes the result over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	if err := Parse(buf, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty document keeps the defaults
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks the values that cannot be corrected silently.
func (c *Config) Validate() error {
	switch c.Model.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return errors.Errorf("unknown device %q, expected auto, cpu or cuda", c.Model.Device)
	}
	if c.Model.InputName == "" || c.Model.OutputName == "" {
		return errors.New("model input_name and output_name must be set")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.Errorf("invalid server max_body_bytes %d", c.Server.MaxBodyBytes)
	}
	return nil
}

// ScratchDir returns the directory for temporary files.
func (c *Config) ScratchDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return os.TempDir()
}
