package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTracingProvider(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()

	// Case 0: disabled yields a usable no-op tracer
	uut, err := GetTracingProvider(utCtxt, common.TracingConfig{Exporter: "none", ServiceName: "unit-test"})
	assert.Nil(err)
	assert.False(uut.Enabled())
	_, span := uut.Tracer().Start(utCtxt, "noop")
	assert.False(span.SpanContext().IsValid())
	span.End()
	assert.Nil(uut.Shutdown(utCtxt))

	// Case 1: enabled without an exporter still records spans
	uut, err = GetTracingProvider(utCtxt, common.TracingConfig{
		Enabled: true, Exporter: "none", SampleRate: 1.0, ServiceName: "unit-test",
	})
	assert.Nil(err)
	assert.True(uut.Enabled())
	_, span = uut.Tracer().Start(utCtxt, "recorded")
	assert.True(span.SpanContext().IsValid())
	assert.True(span.IsRecording())
	span.End()
	assert.Nil(uut.Shutdown(utCtxt))

	// Case 2: unknown exporter
	_, err = GetTracingProvider(utCtxt, common.TracingConfig{
		Enabled: true, Exporter: "zipkin", ServiceName: "unit-test",
	})
	assert.NotNil(err)
}

func TestNatsClientConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsURI, ok := common.GetUnitTestNatsURI()
	if !ok {
		t.Skip("UNIT_TEST_NATS_URI not set")
	}

	uut, err := GetNatsClient(NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second * 5,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		WithJetStream:       true,
	})
	assert.Nil(err)
	assert.NotNil(uut.NATs())
	assert.NotNil(uut.JetStream())

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	uut.Close(utCtxt)
	assert.False(uut.Connected())
}

func TestPostgresPool(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Case 0: invalid URL
	_, err := GetPostgresPool(utCtxt, "postgres://user@localhost:notaport/db")
	assert.NotNil(err)

	pgURL, ok := common.GetUnitTestPostgresURL()
	if !ok {
		t.Skip("UNIT_TEST_PG_URL not set")
	}

	// Case 1: reachable server
	pool, err := GetPostgresPool(utCtxt, pgURL)
	assert.Nil(err)
	pool.Close()
}
