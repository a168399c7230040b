package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/dataplane"
	"github.com/apex/log"
)

// Publish targets
const (
	PublishTargetNATS      = "nats"
	PublishTargetJetStream = "jetstream"
	PublishTargetPostgres  = "postgres"
)

// PublishParams parameters of a test event publish
type PublishParams struct {
	// Target event source to publish onto
	Target string `validate:"required,oneof=nats jetstream postgres"`
	// Recipient user_id of the event
	Recipient string `validate:"required"`
	// Message text carried by the event
	Message string
}

// BuildTestEvent construct the event document sent by the publish subcommand
func BuildTestEvent(recipient, message string, timestamp time.Time) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"user_id":   recipient,
		"message":   message,
		"timestamp": timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// RunPublisher publish one test event onto an inbound event source
func RunPublisher(
	ctxt context.Context,
	config *common.SystemConfig,
	instance string,
	params PublishParams,
	deps RouterDependencies,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  instance,
	}

	var publisher dataplane.EventPublisher
	var err error
	switch params.Target {
	case PublishTargetNATS, PublishTargetJetStream:
		if deps.NATS == nil {
			return fmt.Errorf("publish to %s requires a NATS client", params.Target)
		}
		subject := config.Inbound.NATS.Subject
		if params.Target == PublishTargetJetStream {
			subject = config.Inbound.JetStream.Subject
		}
		publisher, err = dataplane.GetNATSPublisher(
			*deps.NATS, subject, params.Target == PublishTargetJetStream, instance,
		)
	case PublishTargetPostgres:
		if deps.Postgres == nil {
			return fmt.Errorf("publish to postgres requires a pool")
		}
		publisher, err = dataplane.GetPostgresPublisher(
			deps.Postgres, config.Inbound.Postgres.Channel, instance,
		)
	default:
		err = fmt.Errorf("unknown publish target %s", params.Target)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return err
	}

	event, err := BuildTestEvent(params.Recipient, params.Message, time.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to build event")
		return err
	}
	if err := publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Publish to %s failed", params.Target)
		return err
	}
	log.WithFields(logTags).Infof("Published event for user_id %s to %s", params.Recipient, params.Target)
	return nil
}
