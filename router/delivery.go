package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Deliverer pushes payloads to registered connections
type Deliverer interface {
	// DeliverToUser serialize the payload once and push it to every open
	// connection of the recipient. Returns whether at least one connection
	// accepted it. A recipient with no connections is not an error.
	DeliverToUser(ctxt context.Context, recipientID string, payload interface{}) (bool, error)
	// Broadcast serialize the payload once and push it to every open
	// connection. Returns the number of connections which accepted it.
	Broadcast(ctxt context.Context, payload interface{}) (int, error)
}

// delivererImpl implements Deliverer
type delivererImpl struct {
	goutils.Component
	registry RegistryReader
	tracer   trace.Tracer
}

// GetDeliverer define a new Deliverer reading from the registry
func GetDeliverer(
	registry RegistryReader, tracer trace.Tracer, instance string,
) (Deliverer, error) {
	if registry == nil {
		return nil, fmt.Errorf("deliverer requires a registry")
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("router")
	}
	logTags := log.Fields{
		"module": "router", "component": "deliverer", "instance": instance,
	}
	return &delivererImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		tracer:    tracer,
	}, nil
}

// serializePayload encode the payload as compact JSON text. HTML characters
// are left as is.
func serializePayload(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// pushToOpen send the serialized payload to each open connection, returning
// how many accepted it
func (d *delivererImpl) pushToOpen(
	localLogTags log.Fields, connections []Connection, serialized []byte,
) int {
	sent := 0
	for _, conn := range connections {
		// Closed connections are dropped by their own lifecycle callbacks
		if conn.State() != StateOpen {
			log.WithFields(localLogTags).Debugf("Skipping connection %s in state %s", conn.ID(), conn.State())
			continue
		}
		if err := conn.Send(serialized); err != nil {
			log.WithError(err).WithFields(localLogTags).Warnf("Push to connection %s failed", conn.ID())
			continue
		}
		sent++
	}
	return sent
}

// DeliverToUser push a payload to the open connections of a recipient
func (d *delivererImpl) DeliverToUser(
	ctxt context.Context, recipientID string, payload interface{},
) (bool, error) {
	ctxt, span := d.tracer.Start(ctxt, "router.deliver", trace.WithAttributes(
		attribute.String("recipient.id", recipientID),
	))
	defer span.End()
	localLogTags := d.GetLogTagsForContext(ctxt)
	localLogTags["recipient"] = recipientID

	connections := d.registry.ConnectionsFor(recipientID)
	if len(connections) == 0 {
		log.WithFields(localLogTags).Infof("No connected clients for user_id: %s", recipientID)
		span.SetAttributes(attribute.Int("router.connections", 0), attribute.Bool("router.delivered", false))
		return false, nil
	}

	serialized, err := serializePayload(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize payload")
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize failed")
		return false, err
	}

	sent := d.pushToOpen(localLogTags, connections, serialized)
	span.SetAttributes(
		attribute.Int("router.connections", len(connections)),
		attribute.Int("router.sent", sent),
		attribute.Bool("router.delivered", sent > 0),
	)
	if sent > 0 {
		log.WithFields(localLogTags).Debugf(
			"Message sent to user_id: %s (%d/%d client(s))", recipientID, sent, len(connections),
		)
	}
	return sent > 0, nil
}

// Broadcast push a payload to every open connection
func (d *delivererImpl) Broadcast(ctxt context.Context, payload interface{}) (int, error) {
	ctxt, span := d.tracer.Start(ctxt, "router.broadcast")
	defer span.End()
	localLogTags := d.GetLogTagsForContext(ctxt)

	serialized, err := serializePayload(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize payload")
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize failed")
		return 0, err
	}

	connections := d.registry.AllConnections()
	sent := d.pushToOpen(localLogTags, connections, serialized)
	span.SetAttributes(
		attribute.Int("router.connections", len(connections)),
		attribute.Int("router.sent", sent),
	)
	log.WithFields(localLogTags).Debugf("Broadcast to %d/%d client(s)", sent, len(connections))
	return sent, nil
}
