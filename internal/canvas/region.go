// Package canvas owns the monitored-region registry and the per-tile bitmap
// store the sync loop reconciles server payloads into.
package canvas

import (
	"fmt"
	"sync"
)

// Region is an axis-aligned rectangle [X, X+W) x [Y, Y+H) in canvas
// coordinates. ID is assigned by whoever manages the region list and stays
// stable for the region's lifetime.
type Region struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	X    int    `json:"x" yaml:"x"`
	Y    int    `json:"y" yaml:"y"`
	W    int    `json:"width" yaml:"width"`
	H    int    `json:"height" yaml:"height"`
}

func (r Region) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

func (r Region) validate() error {
	if r.W <= 0 || r.H <= 0 {
		return fmt.Errorf("region %q: width and height must be positive (got %dx%d)", r.Name, r.W, r.H)
	}
	return nil
}

// Registry holds the ordered list of monitored regions. Order is significant:
// a pixel inside several overlapping regions belongs to the first one.
type Registry struct {
	mu      sync.RWMutex
	regions []Region
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (g *Registry) Add(r Region) error {
	if err := r.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.regions = append(g.regions, r)
	g.mu.Unlock()
	return nil
}

// Replace swaps the whole list, keeping the given order.
func (g *Registry) Replace(regions []Region) error {
	for _, r := range regions {
		if err := r.validate(); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.regions = append([]Region(nil), regions...)
	g.mu.Unlock()
	return nil
}

func (g *Registry) List() []Region {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Region(nil), g.regions...)
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.regions)
}

// FindFirst returns the first region (in registry order) containing the
// coordinate.
func (g *Registry) FindFirst(x, y int) (Region, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.regions {
		if r.Contains(x, y) {
			return r, true
		}
	}
	return Region{}, false
}
