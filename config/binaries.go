package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/marzneshin/marznode/logger"
)

// BinaryTable is an optional override file (TOML) for engine binary and
// asset paths, used in multi-arch deployments where the same .env is
// shared across nodes but binaries live in different places per host.
// Example:
//
//	[xray]
//	path = "/opt/xray/xray"
//	assets = "/opt/xray/assets"
type BinaryTable struct {
	Xray struct {
		Path   string `toml:"path"`
		Assets string `toml:"assets"`
	} `toml:"xray"`
	SingBox struct {
		Path   string `toml:"path"`
		Assets string `toml:"assets"`
	} `toml:"sing_box"`
	Hysteria2 struct {
		Path string `toml:"path"`
	} `toml:"hysteria2"`
}

// ApplyBinaryTableOverrides reads a TOML file at path, if present, and
// overrides the binary/asset paths already loaded from the environment.
// A missing file is not an error.
func ApplyBinaryTableOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var table BinaryTable
	if err := toml.Unmarshal(data, &table); err != nil {
		return err
	}

	if table.Xray.Path != "" {
		cfg.Xray.BinaryPath = table.Xray.Path
	}
	if table.Xray.Assets != "" {
		cfg.Xray.AssetsPath = table.Xray.Assets
	}
	if table.SingBox.Path != "" {
		cfg.SingBox.BinaryPath = table.SingBox.Path
	}
	if table.SingBox.Assets != "" {
		cfg.SingBox.AssetsPath = table.SingBox.Assets
	}
	if table.Hysteria2.Path != "" {
		cfg.Hysteria2.BinaryPath = table.Hysteria2.Path
	}

	logger.Debugf("applied binary path overrides from %s", path)
	return nil
}
