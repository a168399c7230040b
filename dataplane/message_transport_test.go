package dataplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/alwitt/chatstream/management"
	"github.com/alwitt/chatstream/router"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// routerTestFixture a complete router with one in memory connection for alice
type routerTestFixture struct {
	registry router.Registry
	ingest   Ingestor
	alice    *recordingConnection
}

// recordingConnection in memory router.Connection
type recordingConnection struct {
	id   string
	lock sync.Mutex
	sent []string
}

func (c *recordingConnection) ID() string {
	return c.id
}

func (c *recordingConnection) State() router.ConnectionState {
	return router.StateOpen
}

func (c *recordingConnection) Close(int, string) error {
	return nil
}

func (c *recordingConnection) Send(payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, string(payload))
	return nil
}
func (c *recordingConnection) received() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, len(c.sent))
	copy(result, c.sent)
	return result
}

func defineRouterTestFixture(
	t *testing.T, utCtxt context.Context, wg *sync.WaitGroup,
) routerTestFixture {
	assert := assert.New(t)
	registry, err := router.GetRegistry("unit-test")
	assert.Nil(err)
	deliverer, err := router.GetDeliverer(registry, nil, "unit-test")
	assert.Nil(err)
	adapter, err := router.GetEventAdapter(deliverer, "unit-test")
	assert.Nil(err)
	ingest, err := GetIngestor(utCtxt, adapter, common.IngestConfig{Workers: 2, QueueDepth: 16})
	assert.Nil(err)
	assert.Nil(ingest.Start(wg))
	alice := &recordingConnection{id: uuid.New().String()}
	assert.Nil(registry.Register(alice, "alice"))
	return routerTestFixture{registry: registry, ingest: ingest, alice: alice}
}

func defineTestNatsClient(t *testing.T, withJetStream bool) core.NatsClient {
	natsURI, ok := common.GetUnitTestNatsURI()
	if !ok {
		t.Skip("UNIT_TEST_NATS_URI not set")
	}
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		WithJetStream:       withJetStream,
	})
	if err != nil {
		t.Fatalf("unable to connect to NATS: %v", err)
	}
	return client
}

func TestNATSSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	client := defineTestNatsClient(t, false)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	defer client.Close(utCtxt)

	fixture := defineRouterTestFixture(t, utCtxt, &wg)
	defer func() {
		assert.Nil(fixture.ingest.Stop())
	}()

	subject := fmt.Sprintf("ut-nats-sub.%s", uuid.New().String())
	uut, err := GetNATSSubscriber(
		utCtxt, client, common.NATSSourceConfig{Enabled: true, Subject: subject}, fixture.ingest,
	)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	assert.NotNil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	publisher, err := GetNATSPublisher(client, subject, false, "unit-test")
	assert.Nil(err)

	// Case 0: events for alice and for an absent recipient
	for seq := 0; seq < 5; seq++ {
		assert.Nil(publisher.Publish(utCtxt, []byte(fmt.Sprintf(`{"user_id":"alice","seq":%d}`, seq))))
		assert.Nil(publisher.Publish(utCtxt, []byte(fmt.Sprintf(`{"user_id":"bob","seq":%d}`, seq))))
	}
	assert.Eventually(func() bool {
		return len(fixture.alice.received()) == 5
	}, time.Second*5, time.Millisecond*10)
	for seq, msg := range fixture.alice.received() {
		assert.Equal(fmt.Sprintf(`{"user_id":"alice","seq":%d}`, seq), msg)
	}
}

func TestJetStreamSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	client := defineTestNatsClient(t, true)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	defer client.Close(utCtxt)

	fixture := defineRouterTestFixture(t, utCtxt, &wg)
	defer func() {
		assert.Nil(fixture.ingest.Stop())
	}()

	config := common.JetStreamSourceConfig{
		Enabled:      true,
		Stream:       uuid.New().String(),
		Subject:      fmt.Sprintf("%s.events", uuid.New().String()),
		Consumer:     uuid.New().String(),
		CreateStream: true,
		MaxAge:       60,
	}
	provisioner, err := management.GetJetStreamProvisioner(client, "unit-test")
	assert.Nil(err)
	assert.Nil(management.ProvisionJetStreamSource(utCtxt, provisioner, config, ""))
	defer func() {
		assert.Nil(provisioner.DeleteStream(context.Background(), config.Stream))
	}()

	uut, err := GetJetStreamSubscriber(utCtxt, client, config, "", fixture.ingest)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	publisher, err := GetNATSPublisher(client, config.Subject, true, "unit-test")
	assert.Nil(err)

	// Case 0: events delivered in order and ACKed
	for seq := 0; seq < 5; seq++ {
		assert.Nil(publisher.Publish(utCtxt, []byte(fmt.Sprintf(`{"user_id":"alice","seq":%d}`, seq))))
	}
	assert.Nil(publisher.Publish(utCtxt, []byte(`not an event`)))
	assert.Eventually(func() bool {
		return len(fixture.alice.received()) == 5
	}, time.Second*5, time.Millisecond*10)
	for seq, msg := range fixture.alice.received() {
		assert.Equal(fmt.Sprintf(`{"user_id":"alice","seq":%d}`, seq), msg)
	}
	assert.Eventually(func() bool {
		info, err := client.JetStream().ConsumerInfo(config.Stream, config.Consumer)
		return err == nil && info.NumAckPending == 0 && info.Delivered.Consumer == 6
	}, time.Second*5, time.Millisecond*50)
}

func TestPostgresSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	pgURL, ok := common.GetUnitTestPostgresURL()
	if !ok {
		t.Skip("UNIT_TEST_PG_URL not set")
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pool, err := core.GetPostgresPool(utCtxt, pgURL)
	assert.Nil(err)
	defer pool.Close()

	fixture := defineRouterTestFixture(t, utCtxt, &wg)
	defer func() {
		assert.Nil(fixture.ingest.Stop())
	}()

	channel := fmt.Sprintf("ut_%s", uuid.New().String())
	uut, err := GetPostgresSubscriber(
		utCtxt, pool, common.PostgresSourceConfig{Enabled: true, URL: pgURL, Channel: channel}, fixture.ingest,
	)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	publisher, err := GetPostgresPublisher(pool, channel, "unit-test")
	assert.Nil(err)

	// Case 0: notifications delivered
	for seq := 0; seq < 3; seq++ {
		assert.Nil(publisher.Publish(utCtxt, []byte(fmt.Sprintf(`{"user_id":"alice","seq":%d}`, seq))))
	}
	assert.Eventually(func() bool {
		return len(fixture.alice.received()) == 3
	}, time.Second*5, time.Millisecond*10)

	// Case 1: oversized payload refused
	assert.NotNil(publisher.Publish(utCtxt, make([]byte, maxNotifyPayload)))
}
