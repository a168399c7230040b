package router

import (
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// LifecycleHandler reacts to connection lifecycle events from the transport.
// It is the only component which mutates the Registry.
type LifecycleHandler interface {
	// OnOpen a connection completed its handshake. A handshake without a
	// recipient identifier is refused with close code 1008 and
	// ErrMissingRecipient is returned.
	OnOpen(conn Connection, handshake Handshake) error
	// OnClose a connection closed gracefully
	OnClose(conn Connection)
	// OnError a connection failed
	OnError(conn Connection, err error)
	// Shutdown close every registered connection with code 1001 and empty the Registry
	Shutdown()
}

// lifecycleHandlerImpl implements LifecycleHandler
type lifecycleHandlerImpl struct {
	goutils.Component
	registry Registry
}

// GetLifecycleHandler define a new LifecycleHandler
func GetLifecycleHandler(registry Registry, instance string) (LifecycleHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("lifecycle handler requires a registry")
	}
	logTags := log.Fields{
		"module": "router", "component": "lifecycle", "instance": instance,
	}
	return &lifecycleHandlerImpl{
		Component: goutils.Component{LogTags: logTags}, registry: registry,
	}, nil
}

// OnOpen validate the handshake and register the connection
func (h *lifecycleHandlerImpl) OnOpen(conn Connection, handshake Handshake) error {
	if conn == nil {
		return fmt.Errorf("nil connection")
	}
	recipient, err := handshake.RecipientID()
	if err != nil {
		log.WithFields(h.LogTags).Warnf(
			"Connection %s from %s rejected: %s", conn.ID(), handshake.RemoteAddr, MissingRecipientReason,
		)
		if cerr := conn.Close(ClosePolicyViolation, MissingRecipientReason); cerr != nil {
			log.WithError(cerr).WithFields(h.LogTags).Debugf("Closing rejected connection %s", conn.ID())
		}
		return err
	}
	if err := h.registry.Register(conn, recipient); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to register connection %s", conn.ID())
		return err
	}
	log.WithFields(h.LogTags).Infof(
		"Client connected for user_id: %s (connection %s, %d total)", recipient, conn.ID(), h.registry.Count(),
	)
	return nil
}

// OnClose deregister a gracefully closed connection
func (h *lifecycleHandlerImpl) OnClose(conn Connection) {
	if conn == nil {
		return
	}
	if h.registry.Deregister(conn) {
		log.WithFields(h.LogTags).Infof(
			"Client disconnected (connection %s, %d total)", conn.ID(), h.registry.Count(),
		)
	}
}

// OnError deregister a failed connection
func (h *lifecycleHandlerImpl) OnError(conn Connection, err error) {
	if conn == nil {
		return
	}
	log.WithError(err).WithFields(h.LogTags).Warnf("Connection %s failed", conn.ID())
	h.registry.Deregister(conn)
}

// Shutdown close every registered connection
func (h *lifecycleHandlerImpl) Shutdown() {
	connections := h.registry.Reset()
	for _, conn := range connections {
		if err := conn.Close(CloseGoingAway, "server shutting down"); err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf("Closing connection %s", conn.ID())
		}
	}
	log.WithFields(h.LogTags).Infof("Closed %d connection(s) on shutdown", len(connections))
}
