package toggle

import (
	"sort"
	"sync"
)

// Set holds the controllers of every channel by name.
type Set struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewSet creates a set from controllers. Later duplicates replace earlier ones.
func NewSet(controllers ...*Controller) *Set {
	s := &Set{controllers: make(map[string]*Controller)}
	for _, c := range controllers {
		s.Add(c)
	}
	return s
}

// Add registers c under its name.
func (s *Set) Add(c *Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[c.Name()] = c
}

// Controller returns the controller for name.
func (s *Set) Controller(name string) (*Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.controllers[name]
	return c, ok
}

// Controllers returns every controller sorted by name.
func (s *Set) Controllers() []*Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
