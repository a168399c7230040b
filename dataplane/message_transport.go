package dataplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsSubscriberImpl reads a NATS core subject into the Ingestor
type natsSubscriberImpl struct {
	goutils.Component
	sourceHealth
	client     core.NatsClient
	subject    string
	queueGroup string
	ingest     Ingestor
	lock       sync.Mutex
	reading    bool
	ctxt       context.Context
	cancel     context.CancelFunc
}

// GetNATSSubscriber define a new NATS core subject EventSubscriber
func GetNATSSubscriber(
	parentCtxt context.Context,
	client core.NatsClient,
	config common.NATSSourceConfig,
	ingest Ingestor,
) (EventSubscriber, error) {
	if config.Subject == "" {
		return nil, fmt.Errorf("NATS source requires a subject")
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "nats-subscriber",
		"subject":   config.Subject,
	}
	if config.QueueGroup != "" {
		logTags["queue_group"] = config.QueueGroup
	}
	ctxt, cancel := context.WithCancel(parentCtxt)
	return &natsSubscriberImpl{
		Component:  goutils.Component{LogTags: logTags},
		client:     client,
		subject:    config.Subject,
		queueGroup: config.QueueGroup,
		ingest:     ingest,
		ctxt:       ctxt,
		cancel:     cancel,
	}, nil
}

// Start subscribe and begin reading
func (s *natsSubscriberImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reading {
		return fmt.Errorf("already reading")
	}
	var sub *nats.Subscription
	var err error
	if s.queueGroup != "" {
		sub, err = s.client.NATs().QueueSubscribeSync(s.subject, s.queueGroup)
	} else {
		sub, err = s.client.NATs().SubscribeSync(s.subject)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define subscription")
		return err
	}
	s.reading = true
	runSubscriptionReader(s.ctxt, s.LogTags, sub, func(ctxt context.Context, msg *nats.Msg) error {
		return s.ingest.Ingest(ctxt, msg.Data)
	}, s.fail, wg)
	return nil
}

// Stop end the read loop
func (s *natsSubscriberImpl) Stop() error {
	s.cancel()
	return nil
}

// ==============================================================================

// jetStreamSubscriberImpl reads a JetStream durable push consumer into the Ingestor
type jetStreamSubscriberImpl struct {
	goutils.Component
	sourceHealth
	client     core.NatsClient
	stream     string
	subject    string
	consumer   string
	queueGroup string
	ingest     Ingestor
	lock       sync.Mutex
	reading    bool
	ctxt       context.Context
	cancel     context.CancelFunc
}

// GetJetStreamSubscriber define a new JetStream EventSubscriber. The durable
// consumer must already exist; messages are ACKed once the router decided
// their fate.
func GetJetStreamSubscriber(
	parentCtxt context.Context,
	client core.NatsClient,
	config common.JetStreamSourceConfig,
	queueGroup string,
	ingest Ingestor,
) (EventSubscriber, error) {
	if client.JetStream() == nil {
		return nil, fmt.Errorf("NATS client has no JetStream context")
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "js-push-reader",
		"stream":    config.Stream,
		"subject":   config.Subject,
		"consumer":  config.Consumer,
	}
	ctxt, cancel := context.WithCancel(parentCtxt)
	return &jetStreamSubscriberImpl{
		Component:  goutils.Component{LogTags: logTags},
		client:     client,
		stream:     config.Stream,
		subject:    config.Subject,
		consumer:   config.Consumer,
		queueGroup: queueGroup,
		ingest:     ingest,
		ctxt:       ctxt,
		cancel:     cancel,
	}, nil
}

// Start bind to the durable consumer and begin reading
func (s *jetStreamSubscriberImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reading {
		return fmt.Errorf("already reading")
	}
	opts := []nats.SubOpt{nats.Bind(s.stream, s.consumer), nats.ManualAck()}
	var sub *nats.Subscription
	var err error
	if s.queueGroup != "" {
		sub, err = s.client.JetStream().QueueSubscribeSync(s.subject, s.queueGroup, opts...)
	} else {
		sub, err = s.client.JetStream().SubscribeSync(s.subject, opts...)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define subscription")
		return err
	}
	s.reading = true
	runSubscriptionReader(s.ctxt, s.LogTags, sub, s.ingestMsg, s.fail, wg)
	return nil
}

// ingestMsg forward one message, ACK after the delivery decision
func (s *jetStreamSubscriberImpl) ingestMsg(ctxt context.Context, msg *nats.Msg) error {
	msgName := msgToString(msg)
	err := s.ingest.IngestThen(ctxt, msg.Data, func(outcome router.EventOutcome) {
		if err := msg.Ack(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to ACK %s", msgName)
			return
		}
		log.WithFields(s.LogTags).Debugf("ACKed %s (%s)", msgName, outcome)
	})
	if err != nil {
		// Not queued, let JetStream redeliver it
		if nakErr := msg.Nak(); nakErr != nil {
			log.WithError(nakErr).WithFields(s.LogTags).Errorf("Failed to NAK %s", msgName)
		}
	}
	return err
}

// Stop end the read loop
func (s *jetStreamSubscriberImpl) Stop() error {
	s.cancel()
	return nil
}

// ==============================================================================

// EventPublisher publishes raw events onto an event source
type EventPublisher interface {
	// Publish send one raw event
	Publish(ctxt context.Context, raw []byte) error
}

// natsPublisherImpl implements EventPublisher over NATS
type natsPublisherImpl struct {
	goutils.Component
	client       core.NatsClient
	subject      string
	useJetStream bool
}

// GetNATSPublisher define a new NATS EventPublisher. With useJetStream the
// publish waits for the stream to acknowledge storing the event.
func GetNATSPublisher(
	client core.NatsClient, subject string, useJetStream bool, instance string,
) (EventPublisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("publisher requires a subject")
	}
	if useJetStream && client.JetStream() == nil {
		return nil, fmt.Errorf("NATS client has no JetStream context")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-publisher", "instance": instance, "subject": subject,
	}
	return &natsPublisherImpl{
		Component:    goutils.Component{LogTags: logTags},
		client:       client,
		subject:      subject,
		useJetStream: useJetStream,
	}, nil
}

// Publish send one raw event
func (s *natsPublisherImpl) Publish(ctxt context.Context, raw []byte) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if !s.useJetStream {
		if err := s.client.NATs().Publish(s.subject, raw); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
			return err
		}
		return s.client.NATs().FlushWithContext(ctxt)
	}

	ack, err := s.client.JetStream().PublishAsync(s.subject, raw)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, s.subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}
