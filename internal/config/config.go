// Package config loads the netdisk configuration from a YAML file.
//
// Values missing from the file keep their defaults. Paths derived from
// the store root (user roots, the unique repository, download temp
// files) are computed here so that every component agrees on the layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Gammanik/netdisk/internal/model"
)

// Config is the top-level configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	LogLevel string         `yaml:"log_level"`
	Paths    PathsConfig    `yaml:"paths"`
	Store    StoreConfig    `yaml:"store"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Download DownloadConfig `yaml:"download"`
}

// PathsConfig configures directory and database locations.
type PathsConfig struct {
	// StoreRoot holds private user files and the unique repository.
	StoreRoot string `yaml:"store_root"`
	// PublicRoot holds the shared namespace (uid 0).
	PublicRoot string `yaml:"public_root"`
	// TempDir must live on the same filesystem as StoreRoot so that
	// finished downloads can be renamed or hard-linked into place.
	TempDir string `yaml:"temp_dir"`
	MetaDB  string `yaml:"meta_db"`
	TaskDB  string `yaml:"task_db"`
}

// StoreConfig configures the storage engine.
type StoreConfig struct {
	Type model.StoreType `yaml:"type"`
	// ShardDepth and ShardWidth define the repository layout:
	// depth directory levels of width hex characters each. Changing
	// either invalidates every existing link.
	ShardDepth int `yaml:"shard_depth"`
	ShardWidth int `yaml:"shard_width"`
}

// TasksConfig configures the task manager.
type TasksConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DownloadConfig configures remote download tasks.
type DownloadConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	UserAgent        string        `yaml:"user_agent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8087",
		LogLevel: "info",
		Paths: PathsConfig{
			StoreRoot:  "./data/store",
			PublicRoot: "./data/public",
			TempDir:    "./data/store/temp",
			MetaDB:     "./data/meta.db",
			TaskDB:     "./data/tasks.db",
		},
		Store: StoreConfig{
			Type:       model.StoreRaw,
			ShardDepth: 2,
			ShardWidth: 2,
		},
		Tasks: TasksConfig{MaxConcurrent: 4},
		Download: DownloadConfig{
			BufferSize:       8192,
			ProgressInterval: time.Second,
			Timeout:          30 * time.Second,
			UserAgent:        "netdisk/1.0",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.StoreRoot == "" {
		errs = append(errs, errors.New("paths.store_root is required"))
	}
	if c.Paths.PublicRoot == "" {
		errs = append(errs, errors.New("paths.public_root is required"))
	}
	if !c.Store.Type.Valid() {
		errs = append(errs, fmt.Errorf("store.type must be RAW or UNIQUE, got %q", c.Store.Type))
	}
	if c.Store.ShardDepth < 1 || c.Store.ShardWidth < 1 || c.Store.ShardDepth*c.Store.ShardWidth > 32 {
		errs = append(errs, fmt.Errorf("store shard layout %dx%d does not fit an MD5 digest",
			c.Store.ShardDepth, c.Store.ShardWidth))
	}
	if c.Tasks.MaxConcurrent < 1 {
		errs = append(errs, errors.New("tasks.max_concurrent must be positive"))
	}
	if c.Download.BufferSize < 512 {
		errs = append(errs, errors.New("download.buffer_size must be at least 512"))
	}
	if c.Download.ProgressInterval <= 0 {
		errs = append(errs, errors.New("download.progress_interval must be positive"))
	}
	return errors.Join(errs...)
}

// UserRoot returns the physical root directory of an owner's namespace.
func (c *Config) UserRoot(uid int64) string {
	if uid == model.PublicUID {
		return c.Paths.PublicRoot
	}
	return filepath.Join(c.Paths.StoreRoot, "user_file", strconv.FormatInt(uid, 10))
}

// UniqueRoot returns the content-addressed repository root.
func (c *Config) UniqueRoot() string {
	return filepath.Join(c.Paths.StoreRoot, "repo")
}

// DownloadDir returns the directory for in-flight download files.
func (c *Config) DownloadDir() string {
	if c.Paths.TempDir == "" {
		return filepath.Join(c.Paths.StoreRoot, "temp", "download")
	}
	return filepath.Join(c.Paths.TempDir, "download")
}
