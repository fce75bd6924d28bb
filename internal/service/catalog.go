package service

import (
	"fmt"
	"sort"
	"sync"

	"coworking/internal/models"
)

// StaticCatalog is the space catalog loaded from configuration.
type StaticCatalog struct {
	mu     sync.RWMutex
	spaces map[string]*models.Space
}

func NewStaticCatalog(spaces []models.Space) (*StaticCatalog, error) {
	c := &StaticCatalog{spaces: make(map[string]*models.Space, len(spaces))}
	if err := c.Replace(spaces); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps the whole catalog. On error the previous catalog stays.
func (c *StaticCatalog) Replace(spaces []models.Space) error {
	next := make(map[string]*models.Space, len(spaces))
	for i := range spaces {
		sp := spaces[i]
		if err := sp.Validate(); err != nil {
			return err
		}
		if _, dup := next[sp.ID]; dup {
			return fmt.Errorf("duplicate space id %q", sp.ID)
		}
		next[sp.ID] = &sp
	}

	c.mu.Lock()
	c.spaces = next
	c.mu.Unlock()
	return nil
}

func (c *StaticCatalog) GetSpace(id string) (*models.Space, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sp, ok := c.spaces[id]
	return sp, ok
}

// Spaces returns all spaces ordered by ID.
func (c *StaticCatalog) Spaces() []*models.Space {
	c.mu.RLock()
	out := make([]*models.Space, 0, len(c.spaces))
	for _, sp := range c.spaces {
		out = append(out, sp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
