// Package catalog holds the static, ordered phase definitions for the project lifecycle.
package catalog

import (
	"errors"
	"fmt"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	phases []domain.Phase
	index  map[string]int
}

// New builds a catalog from phase configs in the given order.
func New(phases []config.PhaseConfig) (*Catalog, error) {
	if len(phases) == 0 {
		return nil, errors.New("catalog requires at least one phase")
	}
	c := &Catalog{index: make(map[string]int, len(phases))}
	for i, pc := range phases {
		if pc.Key == "" {
			return nil, fmt.Errorf("phase %d has empty key", i+1)
		}
		if _, dup := c.index[pc.Key]; dup {
			return nil, fmt.Errorf("phase %s defined twice", pc.Key)
		}
		p := domain.Phase{
			Key:         pc.Key,
			Position:    i + 1,
			Name:        pc.Name,
			Description: pc.Description,
		}
		seen := map[string]bool{}
		for _, ac := range pc.Actions {
			if ac.Key == "" {
				return nil, fmt.Errorf("phase %s has action with empty key", pc.Key)
			}
			if seen[ac.Key] {
				return nil, fmt.Errorf("phase %s defines action %s twice", pc.Key, ac.Key)
			}
			seen[ac.Key] = true
			owner := ac.Owner
			if owner == "" {
				owner = domain.OwnerClient
			}
			p.RequiredActions = append(p.RequiredActions, domain.RequiredAction{
				Key:         ac.Key,
				Description: ac.Description,
				Mandatory:   ac.IsMandatory(),
				Owner:       owner,
			})
		}
		c.index[p.Key] = i
		c.phases = append(c.phases, p)
	}
	return c, nil
}

// FromConfig builds the catalog from a loaded config.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	return New(cfg.Phases)
}

// Phases returns a copy of the phases in lifecycle order. Callers may modify it freely.
func (c *Catalog) Phases() []domain.Phase {
	out := make([]domain.Phase, len(c.phases))
	for i, p := range c.phases {
		out[i] = clonePhase(p)
	}
	return out
}

func clonePhase(p domain.Phase) domain.Phase {
	p.RequiredActions = append([]domain.RequiredAction(nil), p.RequiredActions...)
	return p
}

// Phase looks up a phase by key.
func (c *Catalog) Phase(key string) (domain.Phase, error) {
	i, ok := c.index[key]
	if !ok {
		return domain.Phase{}, fmt.Errorf("phase %s: %w", key, domain.ErrNotFound)
	}
	return clonePhase(c.phases[i]), nil
}

func (c *Catalog) First() domain.Phase { return clonePhase(c.phases[0]) }

func (c *Catalog) Last() domain.Phase { return clonePhase(c.phases[len(c.phases)-1]) }

func (c *Catalog) Len() int { return len(c.phases) }

// Next returns the phase after key; false when key is the last phase or unknown.
func (c *Catalog) Next(key string) (domain.Phase, bool) {
	i, ok := c.index[key]
	if !ok || i+1 >= len(c.phases) {
		return domain.Phase{}, false
	}
	return clonePhase(c.phases[i+1]), true
}

// Position returns the 1-based position of key, or 0 when unknown.
func (c *Catalog) Position(key string) int {
	i, ok := c.index[key]
	if !ok {
		return 0
	}
	return i + 1
}

// IsAdjacent reports whether to immediately follows from.
func (c *Catalog) IsAdjacent(from, to string) bool {
	next, ok := c.Next(from)
	return ok && next.Key == to
}

// IsLast reports whether key is the final phase.
func (c *Catalog) IsLast(key string) bool {
	return key == c.Last().Key
}
