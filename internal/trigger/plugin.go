// Package trigger delivers cell change notifications to external plugins
// over JSON-RPC.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPluginNotFound is returned when a plugin id is unknown.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrInvalidStatus is returned for a status other than active or inactive.
	ErrInvalidStatus = errors.New("invalid plugin status")
)

// PluginStatus represents the activation state of a plugin.
type PluginStatus string

const (
	PluginStatusActive   PluginStatus = "active"
	PluginStatusInactive PluginStatus = "inactive"
)

// Plugin is an external JSON-RPC service that receives change notifications
// for the documents it subscribes to.
type Plugin struct {
	ID                  uuid.UUID    `json:"id"`
	Name                string       `json:"name"`
	Endpoint            string       `json:"endpoint"`
	SubscribedDocuments []int64      `json:"subscribed_documents"`
	Status              PluginStatus `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
}

// PluginRegistry is a thread-safe store of registered plugins, optionally
// backed by a PluginStore.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[uuid.UUID]*Plugin
	store   PluginStore
}

// NewPluginRegistry creates an empty registry. A nil or omitted store keeps
// plugins in memory only.
func NewPluginRegistry(store ...PluginStore) *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[uuid.UUID]*Plugin)}
	if len(store) > 0 {
		r.store = store[0]
	}
	return r
}

// LoadAll replaces the registry contents with the persisted plugins.
func (r *PluginRegistry) LoadAll(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	plugins, err := r.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[uuid.UUID]*Plugin, len(plugins))
	for _, p := range plugins {
		r.plugins[p.ID] = p
	}
	return nil
}

// Register assigns an ID and creation time, persists the plugin if a store
// is configured, and adds it to the registry.
func (r *PluginRegistry) Register(p *Plugin) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = PluginStatusActive
	}
	if r.store != nil {
		if err := r.store.SavePlugin(context.Background(), p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.ID] = p
	return nil
}

// PluginUpdate changes a registered plugin. Nil fields are left unchanged.
type PluginUpdate struct {
	Status              *PluginStatus
	SubscribedDocuments []int64
}

// Update applies u to a copy of the plugin, persists the copy and swaps it
// into the registry. Plugins returned earlier are never mutated.
func (r *PluginRegistry) Update(id uuid.UUID, u PluginUpdate) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrPluginNotFound)
	}

	next := *cur
	next.SubscribedDocuments = slices.Clone(cur.SubscribedDocuments)
	if u.Status != nil {
		if *u.Status != PluginStatusActive && *u.Status != PluginStatusInactive {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.SubscribedDocuments != nil {
		next.SubscribedDocuments = slices.Clone(u.SubscribedDocuments)
	}
	if r.store != nil {
		if err := r.store.SavePlugin(context.Background(), &next); err != nil {
			return nil, err
		}
	}
	r.plugins[id] = &next
	return &next, nil
}

// Get returns a plugin by ID.
func (r *PluginRegistry) Get(id uuid.UUID) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrPluginNotFound)
	}
	return p, nil
}

// List returns all registered plugins, oldest first.
func (r *PluginRegistry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Plugin) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Delete removes a plugin by ID.
func (r *PluginRegistry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrPluginNotFound)
	}
	if r.store != nil {
		if err := r.store.DeletePlugin(context.Background(), id); err != nil {
			return err
		}
	}
	delete(r.plugins, id)
	return nil
}

// ForDocument returns all active plugins subscribed to the document.
func (r *PluginRegistry) ForDocument(documentID int64) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Plugin
	for _, p := range r.plugins {
		if p.Status != PluginStatusActive {
			continue
		}
		if slices.Contains(p.SubscribedDocuments, documentID) {
			out = append(out, p)
		}
	}
	return out
}
