package slot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lotpilot/internal/registry"
	"lotpilot/pkg/logger"
)

// Manager owns one slot per browser instance.
type Manager struct {
	reg *registry.Registry
	log *logger.Logger

	mu    sync.RWMutex
	slots map[string]*Slot
}

func NewManager(reg *registry.Registry, log *logger.Logger) *Manager {
	return &Manager{
		reg:   reg,
		log:   log,
		slots: make(map[string]*Slot),
	}
}

// Bind creates the slot for an instance, bound to one container. Rebinding
// an existing instance to a different container is rejected; release it
// first.
func (m *Manager) Bind(ctx context.Context, instanceID string, containerID uint) (*Slot, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if _, err := m.reg.GetContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("bind slot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.slots[instanceID]; ok {
		if existing.containerID != containerID {
			return nil, fmt.Errorf("instance %s is already bound to container %d", instanceID, existing.containerID)
		}
		return existing, nil
	}
	s := newSlot(m.reg, m.log, instanceID, containerID)
	m.slots[instanceID] = s
	return s, nil
}

// Get returns the slot for an instance.
func (m *Manager) Get(instanceID string) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s has no slot", instanceID)
	}
	return s, nil
}

// Release drops an instance's slot entirely.
func (m *Manager) Release(instanceID string) {
	m.mu.Lock()
	delete(m.slots, instanceID)
	m.mu.Unlock()
}

// Views snapshots every slot, ordered by instance id.
func (m *Manager) Views() []View {
	m.mu.RLock()
	slots := make([]*Slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(slots))
	for _, s := range slots {
		views = append(views, s.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].InstanceID < views[j].InstanceID })
	return views
}
