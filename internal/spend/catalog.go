package spend

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownAction is returned for action names not in the catalog.
var ErrUnknownAction = errors.New("spend: unknown action")

// ActionFactory builds the Action for one request from its parameters.
type ActionFactory func(userID string, params json.RawMessage) (Action, error)

// PricedAction is a catalog entry. The price is set server side; clients
// never choose what they pay.
type PricedAction struct {
	Name  string `json:"name"`
	Cost  int64  `json:"cost"`
	build ActionFactory
}

// Catalog maps action names to their price and implementation.
type Catalog struct {
	mu      sync.RWMutex
	actions map[string]PricedAction
}

func NewCatalog() *Catalog {
	return &Catalog{actions: make(map[string]PricedAction)}
}

// Register adds or replaces an action.
func (c *Catalog) Register(name string, cost int64, build ActionFactory) {
	c.mu.Lock()
	c.actions[name] = PricedAction{Name: name, Cost: cost, build: build}
	c.mu.Unlock()
}

// Build resolves name into a priced Action for userID.
func (c *Catalog) Build(name, userID string, params json.RawMessage) (PricedAction, Action, error) {
	c.mu.RLock()
	entry, ok := c.actions[name]
	c.mu.RUnlock()
	if !ok {
		return PricedAction{}, nil, ErrUnknownAction
	}
	action, err := entry.build(userID, params)
	if err != nil {
		return PricedAction{}, nil, err
	}
	return entry, action, nil
}

// List returns all entries sorted by name.
func (c *Catalog) List() []PricedAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PricedAction, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
