package router

import (
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// RegistryReader is the read only view of the connection registry
type RegistryReader interface {
	// ConnectionsFor return the current connections of a recipient. Empty when none.
	ConnectionsFor(recipientID string) []Connection
	// AllConnections return all current connections
	AllConnections() []Connection
	// Count return the number of registered connections
	Count() int
	// RecipientCount return the number of recipients with at least one connection
	RecipientCount() int
}

// Registry indexes live connections by recipient identifier
type Registry interface {
	RegistryReader
	// Register add a connection under a recipient. Re-registering a known
	// connection replaces its previous entry.
	Register(conn Connection, recipientID string) error
	// Deregister remove a connection. Returns false if the connection was not known.
	Deregister(conn Connection) bool
	// Reset remove every entry, returning the connections which were registered
	Reset() []Connection
}

// registryEntry a registered connection and the recipient it was registered under
type registryEntry struct {
	conn      Connection
	recipient string
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	lock sync.RWMutex
	// connections all registered connections by connection ID
	connections map[string]registryEntry
	// byRecipient connection ID set per recipient
	byRecipient map[string]map[string]Connection
}

// GetRegistry define a new empty Registry
func GetRegistry(instance string) (Registry, error) {
	logTags := log.Fields{
		"module": "router", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component:   goutils.Component{LogTags: logTags},
		connections: make(map[string]registryEntry),
		byRecipient: make(map[string]map[string]Connection),
	}, nil
}

// Register add a connection under a recipient
func (r *registryImpl) Register(conn Connection, recipientID string) error {
	if conn == nil {
		return fmt.Errorf("can't register nil connection")
	}
	if recipientID == "" {
		return ErrMissingRecipient
	}
	connID := conn.ID()

	r.lock.Lock()
	defer r.lock.Unlock()

	if existing, ok := r.connections[connID]; ok && existing.recipient != recipientID {
		log.WithFields(r.LogTags).Warnf(
			"Connection %s re-registered from '%s' to '%s'",
			connID,
			existing.recipient,
			recipientID,
		)
		r.removeFromRecipient(existing.recipient, connID)
	}

	r.connections[connID] = registryEntry{conn: conn, recipient: recipientID}
	recipientSet, ok := r.byRecipient[recipientID]
	if !ok {
		recipientSet = make(map[string]Connection)
		r.byRecipient[recipientID] = recipientSet
	}
	recipientSet[connID] = conn
	log.WithFields(r.LogTags).Debugf(
		"Registered connection %s for '%s' (%d for recipient, %d total)",
		connID,
		recipientID,
		len(recipientSet),
		len(r.connections),
	)
	return nil
}

// removeFromRecipient drop a connection ID from a recipient set. Caller holds the lock.
func (r *registryImpl) removeFromRecipient(recipientID, connID string) {
	recipientSet, ok := r.byRecipient[recipientID]
	if !ok {
		return
	}
	delete(recipientSet, connID)
	if len(recipientSet) == 0 {
		delete(r.byRecipient, recipientID)
	}
}

// Deregister remove a connection
func (r *registryImpl) Deregister(conn Connection) bool {
	if conn == nil {
		return false
	}
	connID := conn.ID()

	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.connections[connID]
	if !ok {
		return false
	}
	delete(r.connections, connID)
	r.removeFromRecipient(entry.recipient, connID)
	log.WithFields(r.LogTags).Debugf(
		"Deregistered connection %s of '%s' (%d total)", connID, entry.recipient, len(r.connections),
	)
	return true
}

// ConnectionsFor return the current connections of a recipient
func (r *registryImpl) ConnectionsFor(recipientID string) []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	recipientSet := r.byRecipient[recipientID]
	result := make([]Connection, 0, len(recipientSet))
	for _, conn := range recipientSet {
		result = append(result, conn)
	}
	return result
}

// AllConnections return all current connections
func (r *registryImpl) AllConnections() []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]Connection, 0, len(r.connections))
	for _, entry := range r.connections {
		result = append(result, entry.conn)
	}
	return result
}

// Count return the number of registered connections
func (r *registryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

// RecipientCount return the number of recipients with at least one connection
func (r *registryImpl) RecipientCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byRecipient)
}

// Reset remove every entry
func (r *registryImpl) Reset() []Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Connection, 0, len(r.connections))
	for _, entry := range r.connections {
		result = append(result, entry.conn)
	}
	r.connections = make(map[string]registryEntry)
	r.byRecipient = make(map[string]map[string]Connection)
	log.WithFields(r.LogTags).Infof("Registry reset, released %d connections", len(result))
	return result
}
