// Package config loads configs/monitor.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"canvaswatch.app/internal/canvas"
)

type Config struct {
	// CanvasURL receives tile batch requests, ProfileURL profile lookups.
	CanvasURL  string `yaml:"canvas_url"`
	ProfileURL string `yaml:"profile_url"`

	PollIntervalSec int `yaml:"poll_interval_sec"`
	CycleCeilingSec int `yaml:"cycle_ceiling_sec"`
	ProfileTTLSec   int `yaml:"profile_ttl_sec"`
	BatchSize       int `yaml:"batch_size"`
	EventRingSize   int `yaml:"event_ring_size"`

	// Regions seeds the registry on first start; once the state store holds
	// a region list, that wins.
	Regions []canvas.Region `yaml:"regions"`
}

func Defaults() Config {
	return Config{
		PollIntervalSec: 30,
		CycleCeilingSec: 300,
		ProfileTTLSec:   3600,
		BatchSize:       4,
		EventRingSize:   1000,
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("monitor.yaml: %w", err)
	}
	if c.CanvasURL == "" {
		return c, fmt.Errorf("monitor.yaml: canvas_url is required")
	}
	if c.PollIntervalSec <= 0 || c.CycleCeilingSec <= 0 || c.BatchSize <= 0 {
		return c, fmt.Errorf("monitor.yaml: intervals and batch size must be positive")
	}
	for _, r := range c.Regions {
		if r.W <= 0 || r.H <= 0 {
			return c, fmt.Errorf("monitor.yaml: region %q has non-positive size", r.Name)
		}
	}
	return c, nil
}

func (c Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalSec) * time.Second }
func (c Config) CycleCeiling() time.Duration { return time.Duration(c.CycleCeilingSec) * time.Second }
func (c Config) ProfileTTL() time.Duration   { return time.Duration(c.ProfileTTLSec) * time.Second }
