// Package locks tracks the advisory per-entity edit locks a client observes
// on its current board. Locks are granted and released by the realtime hub;
// the coordinator is the client-side view used to gate direct manipulation.
package locks

import (
	"sync"

	"go.uber.org/zap"
)

// Status describes an entity's lock state relative to the local connection.
type Status int

const (
	// Unlocked means no client holds an edit lock on the entity.
	Unlocked Status = iota
	// LockedBySelf means the local connection holds the lock.
	LockedBySelf
	// LockedByOther means another connection holds the lock; direct
	// manipulation must be refused until release.
	LockedByOther
)

// Lock is the ephemeral association of an entity with its current editor.
type Lock struct {
	EntityID    string `json:"entityId"`
	HolderID    string `json:"holderId"`
	HolderName  string `json:"holderName"`
	HolderColor string `json:"holderColor"`
	ConnID      string `json:"connId"`
}

// Coordinator maintains the lock table for one board subscription.
type Coordinator struct {
	mu     sync.RWMutex
	connID string
	locks  map[string]Lock
	logger *zap.Logger
}

// NewCoordinator constructs a coordinator bound to the local connection id.
func NewCoordinator(connID string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		connID: connID,
		locks:  make(map[string]Lock),
		logger: logger,
	}
}

// ConnID returns the local connection identity the coordinator compares
// holders against.
func (c *Coordinator) ConnID() string {
	return c.connID
}

// Status reports the entity's lock state relative to the local connection.
func (c *Coordinator) Status(entityID string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lock, held := c.locks[entityID]
	if !held {
		return Unlocked
	}
	if lock.ConnID == c.connID {
		return LockedBySelf
	}
	return LockedByOther
}

// Holder returns the current lock for the entity, if any.
func (c *Coordinator) Holder(entityID string) (Lock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lock, held := c.locks[entityID]
	return lock, held
}

// ApplyGranted records a lock grant broadcast by the hub.
func (c *Coordinator) ApplyGranted(lock Lock) {
	if lock.EntityID == "" {
		return
	}
	c.mu.Lock()
	c.locks[lock.EntityID] = lock
	c.mu.Unlock()
	c.logger.Debug("lock granted",
		zap.String("entity_id", lock.EntityID),
		zap.String("holder_id", lock.HolderID),
		zap.String("conn_id", lock.ConnID))
}

// ApplyReleased records a lock release broadcast by the hub.
func (c *Coordinator) ApplyReleased(entityID string) {
	c.mu.Lock()
	delete(c.locks, entityID)
	c.mu.Unlock()
}

// ReleaseAllForConn drops every lock held by the given connection and returns
// the released entity ids. The hub triggers this when a holder disconnects
// without a clean release.
func (c *Coordinator) ReleaseAllForConn(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var released []string
	for entityID, lock := range c.locks {
		if lock.ConnID == connID {
			delete(c.locks, entityID)
			released = append(released, entityID)
		}
	}
	return released
}

// Reset clears the lock table, used when switching boards.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.locks = make(map[string]Lock)
	c.mu.Unlock()
}

// HeldByOther reports whether a different connection currently locks the
// entity.
func (c *Coordinator) HeldByOther(entityID string) bool {
	return c.Status(entityID) == LockedByOther
}

// CountHeldByOther counts how many of the given entities are locked by other
// connections.
func (c *Coordinator) CountHeldByOther(entityIDs []string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocked := 0
	for _, entityID := range entityIDs {
		if lock, held := c.locks[entityID]; held && lock.ConnID != c.connID {
			blocked++
		}
	}
	return blocked
}
