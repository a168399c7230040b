package dataplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// scriptedRead one result returned by scriptedSubscription
type scriptedRead struct {
	msg *nats.Msg
	err error
}

// scriptedSubscription replays a fixed sequence of reads, then blocks until
// the context ends
type scriptedSubscription struct {
	lock         sync.Mutex
	reads        []scriptedRead
	drained      bool
	unsubscribed bool
}

func (s *scriptedSubscription) NextMsgWithContext(ctx context.Context) (*nats.Msg, error) {
	s.lock.Lock()
	if len(s.reads) == 0 {
		s.lock.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	s.lock.Unlock()
	return next.msg, next.err
}

func (s *scriptedSubscription) Drain() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.drained = true
	return nil
}

func (s *scriptedSubscription) Unsubscribe() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *scriptedSubscription) released() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.drained && s.unsubscribed
}

func TestSubscriptionReaderErrorHandling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	logTags := log.Fields{"module": "dataplane", "component": "unit-test"}

	var lock sync.Mutex
	received := []string{}
	handler := func(_ context.Context, msg *nats.Msg) error {
		lock.Lock()
		defer lock.Unlock()
		received = append(received, string(msg.Data))
		return nil
	}
	readReceived := func() []string {
		lock.Lock()
		defer lock.Unlock()
		result := make([]string, len(received))
		copy(result, received)
		return result
	}

	// Case 0: slow consumer notice does not stop the reader
	{
		health := &sourceHealth{}
		sub := &scriptedSubscription{reads: []scriptedRead{
			{msg: &nats.Msg{Subject: "events", Data: []byte("one")}},
			{err: nats.ErrSlowConsumer},
			{msg: &nats.Msg{Subject: "events", Data: []byte("two")}},
		}}
		ctxt, cancel := context.WithCancel(context.Background())
		wg := sync.WaitGroup{}
		runSubscriptionReader(ctxt, logTags, sub, handler, health.fail, &wg)
		assert.Eventually(func() bool {
			return len(readReceived()) == 2
		}, time.Second*2, time.Millisecond*10)
		assert.Equal([]string{"one", "two"}, readReceived())
		assert.Nil(health.Err())
		cancel()
		wg.Wait()
		assert.True(sub.released())
		// Stopping the reader is not a failure
		assert.Nil(health.Err())
	}

	// Case 1: a terminal read error stops the reader and is reported
	{
		lock.Lock()
		received = []string{}
		lock.Unlock()
		health := &sourceHealth{}
		sub := &scriptedSubscription{reads: []scriptedRead{
			{msg: &nats.Msg{Subject: "events", Data: []byte("three")}},
			{err: nats.ErrConnectionClosed},
			{msg: &nats.Msg{Subject: "events", Data: []byte("never")}},
		}}
		ctxt, cancel := context.WithCancel(context.Background())
		defer cancel()
		wg := sync.WaitGroup{}
		runSubscriptionReader(ctxt, logTags, sub, handler, health.fail, &wg)
		wg.Wait()
		assert.Equal([]string{"three"}, readReceived())
		assert.ErrorIs(health.Err(), nats.ErrConnectionClosed)
		assert.True(sub.released())
	}

	// Case 2: handler failures are logged and reading continues
	{
		health := &sourceHealth{}
		count := 0
		sub := &scriptedSubscription{reads: []scriptedRead{
			{msg: &nats.Msg{Subject: "events", Data: []byte("a")}},
			{msg: &nats.Msg{Subject: "events", Data: []byte("b")}},
		}}
		ctxt, cancel := context.WithCancel(context.Background())
		wg := sync.WaitGroup{}
		runSubscriptionReader(ctxt, logTags, sub, func(context.Context, *nats.Msg) error {
			lock.Lock()
			defer lock.Unlock()
			count++
			return fmt.Errorf("dummy error")
		}, health.fail, &wg)
		assert.Eventually(func() bool {
			lock.Lock()
			defer lock.Unlock()
			return count == 2
		}, time.Second*2, time.Millisecond*10)
		cancel()
		wg.Wait()
		assert.Nil(health.Err())
	}
}

func TestSourceHealth(t *testing.T) {
	assert := assert.New(t)

	uut := sourceHealth{}
	assert.Nil(uut.Err())

	uut.fail(fmt.Errorf("connection lost"))
	assert.EqualError(uut.Err(), "connection lost")

	uut.clearFailure()
	assert.Nil(uut.Err())
}
