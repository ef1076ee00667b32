// Package devices provides the DeviceController capability the engine
// consumes: an entity registry, state reads, and action invocation over
// the host platform's REST API, plus a WebSocket watcher that keeps a
// live state snapshot current.
package devices

import (
	"context"
	"strings"
	"time"
)

// Entity is one controllable or observable entity from the registry.
type Entity struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Area     string `json:"area"`
	Domain   string `json:"domain"`
	State    string `json:"state"`
}

// State is the live state of a single entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the display name, falling back to the entity id.
func (s State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// Filter narrows ListEntities results. Zero value matches everything.
type Filter struct {
	Domain string
	Area   string
}

// Outcome reports the result of an action invocation.
type Outcome struct {
	Entities []string // entity ids the action was applied to
	Message  string
}

// Controller is the capability the engine uses to reach the host
// platform's entity registry and service-call mechanism. How entities
// are physically controlled is out of scope here.
type Controller interface {
	// ListEntities returns registry entities matching the filter.
	ListEntities(ctx context.Context, filter Filter) ([]Entity, error)

	// GetState returns the live state of one entity.
	GetState(ctx context.Context, entityID string) (*State, error)

	// InvokeAction applies an action (e.g. "turn_off") to one or more
	// entities, all sharing the same domain.
	InvokeAction(ctx context.Context, entityIDs []string, action string, params map[string]any) (*Outcome, error)
}

// EntityDomain returns the domain portion of an entity id
// ("light.kitchen" → "light"), or "" when the id has no domain.
func EntityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}
