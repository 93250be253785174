package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/glennswest/fatplan/pkg/export"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "FATPLAN_CONFIG"

// Config is the fatplan configuration.
type Config struct {
	Fabric    FabricConfig    `yaml:"fabric"`
	Routing   RoutingConfig   `yaml:"routing"`
	Multipath MultipathConfig `yaml:"multipath"`
	Export    ExportConfig    `yaml:"export"`
	Driver    DriverConfig    `yaml:"driver"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// FabricConfig selects the topology.
type FabricConfig struct {
	K int `yaml:"k"`

	// Descriptor is a YAML topology descriptor. When set it wins over K.
	Descriptor string `yaml:"descriptor"`

	// Profiles override the per-kind link profiles, keyed by link kind
	// ("server-access", "access-aggregation", "aggregation-core").
	Profiles map[string]network.LinkProfile `yaml:"profiles"`
}

// RoutingConfig tunes synthesis.
type RoutingConfig struct {
	Workers int `yaml:"workers"` // 0 = GOMAXPROCS
}

// MultipathConfig configures next-hop selection and flow sampling.
type MultipathConfig struct {
	Policy ecmp.Policy `yaml:"policy"`
	Seed   uint64      `yaml:"seed"`
	Flows  int         `yaml:"flows"`
}

// ExportConfig configures the written document.
type ExportConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// DriverConfig selects the backend that installs a node's routes.
type DriverConfig struct {
	Kind     string         `yaml:"kind"`  // "linux" or "routeros"
	Table    int            `yaml:"table"` // kernel routing table, 0 = main
	RouterOS RouterOSConfig `yaml:"routeros"`
}

// RouterOSConfig holds the REST endpoint of a RouterOS device.
type RouterOSConfig struct {
	RESTURL        string `yaml:"restUrl"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	InsecureVerify bool   `yaml:"insecureVerify"`
	RoutingTable   string `yaml:"routingTable"`
}

// ServerConfig configures the query API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Fabric:    FabricConfig{K: 4},
		Multipath: MultipathConfig{Policy: ecmp.PolicyHash, Seed: 1, Flows: 1000},
		Export:    ExportConfig{Format: string(export.FormatYAML)},
		Driver:    DriverConfig{Kind: "linux"},
		Server:    ServerConfig{Listen: ":8080"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads the config at path, falling back to $FATPLAN_CONFIG. With
// neither set it returns the defaults. Fields missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing config %s: %v", network.ErrConfiguration, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component accepts.
func (c Config) Validate() error {
	if c.Fabric.Descriptor == "" {
		if err := topology.ValidateK(c.Fabric.K); err != nil {
			return err
		}
	}
	for kind := range c.Fabric.Profiles {
		if _, err := network.ParseLinkKind(kind); err != nil {
			return err
		}
	}
	if c.Routing.Workers < 0 {
		return fmt.Errorf("%w: routing.workers must not be negative", network.ErrConfiguration)
	}
	if c.Multipath.Flows <= 0 {
		return fmt.Errorf("%w: multipath.flows must be positive", network.ErrConfiguration)
	}
	if c.Export.Format != "" {
		if _, err := export.ParseFormat(c.Export.Format); err != nil {
			return err
		}
	}
	switch c.Driver.Kind {
	case "linux", "routeros":
	default:
		return fmt.Errorf("%w: unknown driver kind %q", network.ErrConfiguration, c.Driver.Kind)
	}
	if c.Driver.Table < 0 {
		return fmt.Errorf("%w: driver.table must not be negative", network.ErrConfiguration)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", network.ErrConfiguration, err)
	}
	return nil
}

// Logger builds the configured zap logger.
func (c Config) Logger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", network.ErrConfiguration, err)
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}
