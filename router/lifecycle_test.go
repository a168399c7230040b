package router

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestLifecycleRejectsMissingRecipient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := GetRegistry("unit-test")
	assert.Nil(err)
	uut, err := GetLifecycleHandler(registry, "unit-test")
	assert.Nil(err)

	handshakes := []Handshake{
		{},
		{Params: url.Values{}},
		{Params: url.Values{"user_id": []string{""}}},
		{Params: url.Values{"userid": []string{"alice"}}},
	}
	for idx, handshake := range handshakes {
		conn := newTestConnection()
		err := uut.OnOpen(conn, handshake)
		assert.ErrorIsf(err, ErrMissingRecipient, "case %d", idx)
		assert.Equalf(ClosePolicyViolation, conn.closeCode, "case %d", idx)
		assert.Equalf(MissingRecipientReason, conn.closeReason, "case %d", idx)
		assert.Equalf(StateClosed, conn.State(), "case %d", idx)
		for _, registered := range registry.AllConnections() {
			assert.NotEqualf(conn.ID(), registered.ID(), "case %d", idx)
		}
	}
	assert.Equal(0, registry.Count())
}

func TestLifecycleOpenCloseError(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := GetRegistry("unit-test")
	assert.Nil(err)
	uut, err := GetLifecycleHandler(registry, "unit-test")
	assert.Nil(err)

	// Case 0: accepted
	conn0 := newTestConnection()
	assert.Nil(uut.OnOpen(conn0, Handshake{Params: url.Values{"user_id": []string{"alice"}}}))
	assert.Equal([]Connection{conn0}, registry.ConnectionsFor("alice"))

	// Case 1: graceful close, twice
	uut.OnClose(conn0)
	uut.OnClose(conn0)
	assert.Equal(0, registry.Count())

	// Case 2: error after close is harmless
	uut.OnError(conn0, fmt.Errorf("dummy error"))
	assert.Equal(0, registry.Count())

	// Case 3: error on a live connection removes it
	conn1 := newTestConnection()
	assert.Nil(uut.OnOpen(conn1, Handshake{Params: url.Values{"user_id": []string{"bob"}}}))
	assert.Equal(1, registry.Count())
	uut.OnError(conn1, fmt.Errorf("connection reset"))
	assert.Equal(0, registry.Count())
	assert.Empty(registry.ConnectionsFor("bob"))

	// Case 4: nil connections are ignored
	assert.NotNil(uut.OnOpen(nil, Handshake{}))
	uut.OnClose(nil)
	uut.OnError(nil, nil)
}

func TestLifecycleShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := GetRegistry("unit-test")
	assert.Nil(err)
	uut, err := GetLifecycleHandler(registry, "unit-test")
	assert.Nil(err)

	connections := []*testConnection{}
	for idx := 0; idx < 4; idx++ {
		conn := newTestConnection()
		connections = append(connections, conn)
		assert.Nil(uut.OnOpen(
			conn, Handshake{Params: url.Values{"user_id": []string{fmt.Sprintf("user-%d", idx%2)}}},
		))
	}
	assert.Equal(4, registry.Count())

	uut.Shutdown()
	assert.Equal(0, registry.Count())
	assert.Equal(0, registry.RecipientCount())
	for _, conn := range connections {
		assert.Equal(CloseGoingAway, conn.closeCode)
		assert.Equal(StateClosed, conn.State())
	}

	// Late close callbacks after shutdown are no-ops
	uut.OnClose(connections[0])
	assert.Equal(0, registry.Count())
}

func TestRouterAliceScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := GetRegistry("unit-test")
	assert.Nil(err)
	lifecycle, err := GetLifecycleHandler(registry, "unit-test")
	assert.Nil(err)
	deliverer, err := GetDeliverer(registry, nil, "unit-test")
	assert.Nil(err)
	adapter, err := GetEventAdapter(deliverer, "unit-test")
	assert.Nil(err)

	utCtxt := context.Background()
	aliceHandshake := Handshake{Params: url.Values{"user_id": []string{"alice"}}}
	event := []byte(`{"user_id":"alice","text":"hello"}`)

	// Case 0: alice connects twice
	connA := newTestConnection()
	connB := newTestConnection()
	assert.Nil(lifecycle.OnOpen(connA, aliceHandshake))
	assert.Nil(lifecycle.OnOpen(connB, aliceHandshake))

	assert.Equal(EventDelivered, adapter.OnInboundEvent(utCtxt, event))
	assert.Equal([][]byte{event}, connA.received())
	assert.Equal([][]byte{event}, connB.received())

	// Case 1: A leaves, B still receives
	lifecycle.OnClose(connA)
	assert.Equal(EventDelivered, adapter.OnInboundEvent(utCtxt, event))
	assert.Len(connA.received(), 1)
	assert.Len(connB.received(), 2)

	// Case 2: all leave
	lifecycle.OnClose(connB)
	assert.Equal(EventUndeliverable, adapter.OnInboundEvent(utCtxt, event))
	assert.Len(connB.received(), 2)
	assert.Equal(0, registry.Count())
	assert.Equal(0, registry.RecipientCount())

	// Case 3: rejected connection never sees traffic
	anonymous := newTestConnection()
	assert.ErrorIs(lifecycle.OnOpen(anonymous, Handshake{}), ErrMissingRecipient)
	sent, err := deliverer.Broadcast(utCtxt, map[string]string{"notice": "all"})
	assert.Nil(err)
	assert.Equal(0, sent)
	assert.Empty(anonymous.received())
}
