package loader

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Config holds the loader settings.
type Config struct {
	Workers        int           `yaml:"workers"`
	TickInterval   time.Duration `yaml:"tick"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	FailureTTL     time.Duration `yaml:"failure_ttl"`
	Watch          bool          `yaml:"watch"`
	LogDir         string        `yaml:"log_dir"`     // empty: console only
	JournalPath    string        `yaml:"journal"`     // empty: no journal
	Listen         string        `yaml:"listen"`      // status API address for serve
	IgnoreFile     string        `yaml:"ignore_file"` // per-directory ignore file name
}

// maxDefaultWorkers caps the default pool size.
const maxDefaultWorkers = 4

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers(),
		TickInterval:   16 * time.Millisecond,
		ResolveTimeout: 10 * time.Second,
		FailureTTL:     30 * time.Second,
		Watch:          false,
		Listen:         "127.0.0.1:7070",
		IgnoreFile:     ".towerignore",
	}
}

// DefaultWorkers returns min(4, logical CPUs), at least 1.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		sub("config").Debug("cpu count unavailable, using 1 worker", "err", err)
		return 1
	}
	return min(n, maxDefaultWorkers)
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick must be positive, got %v", c.TickInterval)
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("config: resolve-timeout must be positive, got %v", c.ResolveTimeout)
	}
	if c.FailureTTL <= 0 {
		return fmt.Errorf("config: failure-ttl must be positive, got %v", c.FailureTTL)
	}
	if c.IgnoreFile == "." || c.IgnoreFile == ".." || strings.ContainsRune(c.IgnoreFile, filepath.Separator) {
		return errors.New("config: ignore-file must be a file name")
	}
	return nil
}
