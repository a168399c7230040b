package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// EventOutcome result of processing one inbound event
type EventOutcome int

const (
	// EventDelivered at least one connection accepted the event
	EventDelivered EventOutcome = iota
	// EventUndeliverable the recipient had no open connection accepting the event
	EventUndeliverable
	// EventMalformed the event could not be parsed or had no recipient
	EventMalformed
)

// String toString function
func (o EventOutcome) String() string {
	switch o {
	case EventDelivered:
		return "delivered"
	case EventUndeliverable:
		return "undeliverable"
	case EventMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// inboundEventHeader the portion of an inbound event the router interprets
type inboundEventHeader struct {
	UserID string `json:"user_id" validate:"required"`
}

// EventAdapter bridges raw inbound pub/sub events into the Deliverer
type EventAdapter interface {
	// OnInboundEvent process one raw inbound event. Never panics.
	OnInboundEvent(ctxt context.Context, raw []byte) EventOutcome
	// RecipientOf extract the recipient identifier from a raw inbound event
	RecipientOf(raw []byte) (string, error)
}

// eventAdapterImpl implements EventAdapter
type eventAdapterImpl struct {
	goutils.Component
	deliverer Deliverer
	validate  *validator.Validate
}

// GetEventAdapter define a new EventAdapter
func GetEventAdapter(deliverer Deliverer, instance string) (EventAdapter, error) {
	if deliverer == nil {
		return nil, fmt.Errorf("event adapter requires a deliverer")
	}
	logTags := log.Fields{
		"module": "router", "component": "event-adapter", "instance": instance,
	}
	return &eventAdapterImpl{
		Component: goutils.Component{LogTags: logTags},
		deliverer: deliverer,
		validate:  validator.New(),
	}, nil
}

// RecipientOf extract the recipient identifier from a raw inbound event
func (a *eventAdapterImpl) RecipientOf(raw []byte) (string, error) {
	var header inboundEventHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", fmt.Errorf("event is not a JSON object with string %s: %w", RecipientIDField, err)
	}
	if err := a.validate.Struct(&header); err != nil {
		return "", ErrMissingRecipient
	}
	return header.UserID, nil
}

// OnInboundEvent process one raw inbound event
func (a *eventAdapterImpl) OnInboundEvent(ctxt context.Context, raw []byte) (outcome EventOutcome) {
	localLogTags := a.GetLogTagsForContext(ctxt)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(localLogTags).Errorf("Recovered while processing inbound event: %v", r)
			outcome = EventMalformed
		}
	}()

	recipient, err := a.RecipientOf(raw)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Invalid or missing user_id in message")
		return EventMalformed
	}

	delivered, err := a.deliverer.DeliverToUser(ctxt, recipient, json.RawMessage(raw))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf("Failed to deliver message to user_id: %s", recipient)
		return EventMalformed
	}
	if !delivered {
		log.WithFields(localLogTags).Infof("Failed to deliver message to user_id: %s", recipient)
		return EventUndeliverable
	}
	return EventDelivered
}
