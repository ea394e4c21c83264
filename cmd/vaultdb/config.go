package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/jpl-au/vaultdb"
)

// fileConfig mirrors vaultdb.Config as a TOML-loadable document, since
// the library config carries a *zap.Logger that has no textual form.
type fileConfig struct {
	ChecksumAlgorithm string `toml:"checksum_algorithm"`
	CompressThreshold uint32 `toml:"compress_threshold"`
	MaxFileSize       uint32 `toml:"max_file_size"`
	SyncWrites        bool   `toml:"sync_writes"`
}

func loadConfig() (vaultdb.Config, error) {
	cfg := vaultdb.Config{Logger: zap.NewNop()}
	if jsonOutput {
		cfg.Logger = zap.NewNop()
	} else if l, err := zap.NewProduction(); err == nil {
		cfg.Logger = l
	}

	if configPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", configPath, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	switch fc.ChecksumAlgorithm {
	case "xxh3", "":
		cfg.ChecksumAlgorithm = vaultdb.AlgXXHash3
	case "blake2b":
		cfg.ChecksumAlgorithm = vaultdb.AlgBlake2b
	default:
		return cfg, fmt.Errorf("unknown checksum_algorithm %q", fc.ChecksumAlgorithm)
	}
	cfg.CompressThreshold = fc.CompressThreshold
	cfg.MaxFileSize = fc.MaxFileSize
	cfg.SyncWrites = fc.SyncWrites
	return cfg, nil
}
