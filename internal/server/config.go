package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zentinel/autoscale/internal/core/platform"
	local "github.com/zentinel/autoscale/internal/platform/local"
)

// Config holds the process configuration. Domain settings live in the
// platform settings table, not here; the Settings block below is written
// into that table on every start, overwriting existing rows.
type Config struct {
	// Network settings
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Request handling
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	DevelopmentMode bool          `yaml:"development_mode"`
	ProductName     string        `yaml:"product_name"`

	// Bootstrap rendering
	BootstrapTemplateFile string `yaml:"bootstrap_template_file"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Platform adapter
	Platform local.Config `yaml:"platform"`

	// Startup seeding of the settings table and the VM inventory.
	Settings map[string]string         `yaml:"settings"`
	VMs      []platform.VirtualMachine `yaml:"vms"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		MetricsAddr:    "127.0.0.1:9090",
		HandlerTimeout: 5 * time.Minute,
		ProductName:    "fortigate",
		LogLevel:       "info",
		Platform:       local.DefaultConfig(),
	}
}

// LoadConfig overlays the YAML file at path onto the defaults. An empty
// path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	return config, nil
}
