// Package management provisions the JetStream objects the router consumes from
package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// JetStreamStreamParam parameters for defining a stream
type JetStreamStreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required"`
	// Subjects the stream collects
	Subjects []string `json:"subjects" validate:"required,min=1"`
	// MaxAge is the message retention. Zero is unlimited.
	MaxAge time.Duration `json:"max_age"`
}

// JetStreamConsumerParam parameters for defining a durable push consumer
type JetStreamConsumerParam struct {
	// Name is the durable consumer name
	Name string `json:"name" validate:"required"`
	// FilterSubject limits the consumer to one subject of the stream
	FilterSubject string `json:"filter_subject" validate:"required"`
	// DeliveryGroup when set, the messages are shared amongst the group members
	DeliveryGroup string `json:"delivery_group,omitempty"`
}

// JetStreamProvisioner ensures the streams and consumers the router reads from exist
type JetStreamProvisioner interface {
	// EnsureStream create the stream if missing, and add any missing subjects otherwise
	EnsureStream(ctxt context.Context, param JetStreamStreamParam) (*nats.StreamInfo, error)
	// GetStream query for info on one stream
	GetStream(ctxt context.Context, name string) (*nats.StreamInfo, error)
	// DeleteStream delete a stream by name
	DeleteStream(ctxt context.Context, name string) error
	// EnsureConsumer create the durable push consumer if missing
	EnsureConsumer(
		ctxt context.Context, stream string, param JetStreamConsumerParam,
	) (*nats.ConsumerInfo, error)
	// DeleteConsumer delete a consumer of a stream
	DeleteConsumer(ctxt context.Context, stream, consumer string) error
}

// jetStreamProvisionerImpl implements JetStreamProvisioner
type jetStreamProvisionerImpl struct {
	goutils.Component
	core     core.NatsClient
	validate *validator.Validate
}

// GetJetStreamProvisioner define JetStreamProvisioner
func GetJetStreamProvisioner(
	natsCore core.NatsClient, instance string,
) (JetStreamProvisioner, error) {
	if natsCore.JetStream() == nil {
		return nil, fmt.Errorf("NATS client has no JetStream context")
	}
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return jetStreamProvisionerImpl{
		Component: goutils.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// GetStream get info on one stream
func (js jetStreamProvisionerImpl) GetStream(
	ctxt context.Context, name string,
) (*nats.StreamInfo, error) {
	return js.core.JetStream().StreamInfo(name, nats.Context(ctxt))
}

// EnsureStream create or extend a stream
func (js jetStreamProvisionerImpl) EnsureStream(
	ctxt context.Context, param JetStreamStreamParam,
) (*nats.StreamInfo, error) {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Invalid stream %s parameters", param.Name)
		return nil, err
	}
	info, err := js.GetStream(ctxt, param.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		info, err = js.core.JetStream().AddStream(&nats.StreamConfig{
			Name: param.Name, Subjects: param.Subjects, MaxAge: param.MaxAge,
		}, nats.Context(ctxt))
		if err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf("Unable to define new stream %s", param.Name)
			return nil, err
		}
		log.WithFields(js.LogTags).Infof("Defined new stream %s", param.Name)
		return info, nil
	} else if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", param.Name)
		return nil, err
	}

	// Stream exists, only extend its subjects
	known := map[string]bool{}
	for _, subject := range info.Config.Subjects {
		known[subject] = true
	}
	currentConfig := info.Config
	changed := false
	for _, subject := range param.Subjects {
		if !known[subject] {
			currentConfig.Subjects = append(currentConfig.Subjects, subject)
			changed = true
		}
	}
	if !changed {
		return info, nil
	}
	info, err = js.core.JetStream().UpdateStream(&currentConfig, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to change stream %s subjects", param.Name)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof("Stream %s now collects %v", param.Name, currentConfig.Subjects)
	return info, nil
}

// DeleteStream delete an existing stream
func (js jetStreamProvisionerImpl) DeleteStream(ctxt context.Context, name string) error {
	if err := js.core.JetStream().DeleteStream(name, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted stream %s", name)
	return nil
}

// EnsureConsumer define a durable push consumer if it does not exist
func (js jetStreamProvisionerImpl) EnsureConsumer(
	ctxt context.Context, stream string, param JetStreamConsumerParam,
) (*nats.ConsumerInfo, error) {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Invalid consumer %s parameters for stream %s", param.Name, stream,
		)
		return nil, err
	}
	info, err := js.core.JetStream().ConsumerInfo(stream, param.Name, nats.Context(ctxt))
	if err == nil {
		return info, nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to get consumer %s of stream %s info", param.Name, stream,
		)
		return nil, err
	}

	jsParams := nats.ConsumerConfig{
		Durable:        param.Name,
		DeliverSubject: nats.NewInbox(),
		DeliverGroup:   param.DeliveryGroup,
		FilterSubject:  param.FilterSubject,
		// Undelivered history is not replayed to a new consumer
		DeliverPolicy: nats.DeliverNewPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
	}
	info, err = js.core.JetStream().AddConsumer(stream, &jsParams, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to define new consumer %s for stream %s", param.Name, stream,
		)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof("Defined new consumer %s for stream %s", param.Name, stream)
	return info, nil
}

// DeleteConsumer delete consumer from a stream
func (js jetStreamProvisionerImpl) DeleteConsumer(ctxt context.Context, stream, consumer string) error {
	if err := js.core.JetStream().DeleteConsumer(stream, consumer, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to delete consumer %s from stream %s", consumer, stream,
		)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted consumer %s from stream %s", consumer, stream)
	return nil
}

// ProvisionJetStreamSource ensure the stream and consumer of a JetStream
// source exist. The stream is only created when the config allows it.
func ProvisionJetStreamSource(
	ctxt context.Context, provisioner JetStreamProvisioner, config common.JetStreamSourceConfig, queueGroup string,
) error {
	if config.CreateStream {
		if _, err := provisioner.EnsureStream(ctxt, JetStreamStreamParam{
			Name:     config.Stream,
			Subjects: []string{config.Subject},
			MaxAge:   time.Second * time.Duration(config.MaxAge),
		}); err != nil {
			return err
		}
	} else if _, err := provisioner.GetStream(ctxt, config.Stream); err != nil {
		return fmt.Errorf("stream %s not available: %w", config.Stream, err)
	}
	_, err := provisioner.EnsureConsumer(ctxt, config.Stream, JetStreamConsumerParam{
		Name: config.Consumer, FilterSubject: config.Subject, DeliveryGroup: queueGroup,
	})
	return err
}
