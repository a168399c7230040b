package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// EventSubscriber reads events from one pub/sub source into the Ingestor
type EventSubscriber interface {
	// Start begin reading events
	Start(wg *sync.WaitGroup) error
	// Stop reading events
	Stop() error
	// Err the error which stopped the source. Nil while it is reading.
	Err() error
}

// SourceFailureCB called when an event source stops reading on its own
type SourceFailureCB func(err error)

// sourceHealth tracks the failure of an event source
type sourceHealth struct {
	errLock sync.Mutex
	err     error
}

// fail record the error which stopped the source
func (h *sourceHealth) fail(err error) {
	h.errLock.Lock()
	defer h.errLock.Unlock()
	h.err = err
}

// clearFailure clear a previously recorded failure
func (h *sourceHealth) clearFailure() {
	h.errLock.Lock()
	defer h.errLock.Unlock()
	h.err = nil
}

// Err the error which stopped the source. Nil while it is reading.
func (h *sourceHealth) Err() error {
	h.errLock.Lock()
	defer h.errLock.Unlock()
	return h.err
}

// msgToString helper function for standardizing the printing of nats.Msg
func msgToString(msg *nats.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d]",
			meta.Consumer,
			meta.Stream,
			meta.Sequence.Stream,
			meta.Sequence.Consumer,
		)
	}
	return msg.Subject
}

// natsMsgHandler process one message read from a subscription
type natsMsgHandler func(ctxt context.Context, msg *nats.Msg) error

// subscriptionReader the part of *nats.Subscription the read loop uses
type subscriptionReader interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Drain() error
	Unsubscribe() error
}

// runSubscriptionReader read a synchronous subscription until the context
// ends, then drain and unsubscribe. A slow consumer notice only means messages
// were dropped, so reading continues. Any other read error stops the loop and
// is reported through onFailure.
func runSubscriptionReader(
	ctxt context.Context,
	logTags log.Fields,
	sub subscriptionReader,
	handler natsMsgHandler,
	onFailure SourceFailureCB,
	wg *sync.WaitGroup,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(logTags).Infof("Starting subscription read loop")
		defer log.WithFields(logTags).Infof("Stopping subscription read loop")
		defer func() {
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrBadSubscription {
				log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
			} else {
				log.WithFields(logTags).Infof("Unsubscribed from subject")
			}
		}()
		defer func() {
			if err := sub.Drain(); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Drain failed")
			} else {
				log.WithFields(logTags).Infof("Drained subscription")
			}
		}()
		for {
			newMsg, err := sub.NextMsgWithContext(ctxt)
			if err != nil {
				if ctxt.Err() != nil {
					return
				}
				if errors.Is(err, nats.ErrSlowConsumer) {
					log.WithError(err).WithFields(logTags).Warn("Subscription fell behind, messages dropped")
					continue
				}
				log.WithError(err).WithFields(logTags).Errorf("Read failure")
				if onFailure != nil {
					onFailure(err)
				}
				return
			}
			if newMsg == nil {
				continue
			}
			log.WithFields(logTags).Debugf("Received %s", msgToString(newMsg))
			if err := handler(ctxt, newMsg); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to ingest %s", msgToString(newMsg))
			}
		}
	}()
}
