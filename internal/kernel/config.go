package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	ClockHz        uint32 `yaml:"clock_hz"`         // 168000000 (by default)
	TickHz         uint32 `yaml:"tick_hz"`          // 1000 (by default)
	BasePriority   uint8  `yaml:"base_priority"`    // 8 (by default), interrupt priority of the dispatch interrupt
	MaxTasks       int    `yaml:"max_tasks"`        // 16 (by default), idle included
	PoolWords      uint32 `yaml:"pool_words"`       // 8192 (by default), stack pool size
	IdleStackWords uint32 `yaml:"idle_stack_words"` // 64 (by default)
	RealTime       bool   `yaml:"real_time"`        // drive SysTick from the host clock instead of the idle loop
}

const maxTaskSlots = int(NoTask)

// DefaultConfig is used when no config file is found.
func DefaultConfig() Config {
	return Config{
		ClockHz:        168_000_000,
		TickHz:         1000,
		BasePriority:   8,
		MaxTasks:       16,
		PoolWords:      8192,
		IdleStackWords: 64,
		RealTime:       true,
	}
}

// Load reads YAML and overrides defaults; empty path or a missing file means defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Clamped returns c with out-of-range fields replaced.
func (c Config) Clamped() Config {
	c.clamp()
	return c
}

// sanity clamps
func (c *Config) clamp() {
	def := DefaultConfig()
	if c.ClockHz == 0 {
		c.ClockHz = def.ClockHz
	}
	if c.TickHz == 0 {
		c.TickHz = def.TickHz
	}
	if c.TickHz > c.ClockHz {
		c.TickHz = c.ClockHz
	}
	// 4 implemented priority bits, and the tick needs a level above the base.
	if c.BasePriority < 1 || c.BasePriority > 15 {
		c.BasePriority = def.BasePriority
	}
	if c.MaxTasks < 2 {
		c.MaxTasks = 2
	} else if c.MaxTasks > maxTaskSlots {
		c.MaxTasks = maxTaskSlots
	}
	if c.PoolWords == 0 {
		c.PoolWords = def.PoolWords
	}
	if c.IdleStackWords == 0 {
		c.IdleStackWords = def.IdleStackWords
	}
}
