package management

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func defineTestNatsClient(t *testing.T, testName string) core.NatsClient {
	natsURI, ok := common.GetUnitTestNatsURI()
	if !ok {
		t.Skip("UNIT_TEST_NATS_URI not set")
	}
	logTags := log.Fields{
		"module":    "management_test",
		"component": "JetStreamProvisioner",
		"instance":  testName,
	}
	natsParam := core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		WithJetStream:       true,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}
	client, err := core.GetNatsClient(natsParam)
	if err != nil {
		t.Fatalf("unable to connect to NATS: %v", err)
	}
	return client
}

func TestJetStreamProvisionerStreams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-js-streams"

	js := defineTestNatsClient(t, testName)
	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()
	defer js.Close(utCtxt)

	uut, err := GetJetStreamProvisioner(js, testName)
	assert.Nil(err)

	stream := fmt.Sprintf("%s-%s", testName, uuid.New().String())
	base := uuid.New().String()

	// Case 0: unknown stream
	_, err = uut.GetStream(utCtxt, stream)
	assert.NotNil(err)
	assert.NotNil(uut.DeleteStream(utCtxt, stream))

	// Case 1: invalid parameters
	_, err = uut.EnsureStream(utCtxt, JetStreamStreamParam{Name: stream})
	assert.NotNil(err)

	// Case 2: create
	info, err := uut.EnsureStream(utCtxt, JetStreamStreamParam{
		Name: stream, Subjects: []string{fmt.Sprintf("%s.a", base)}, MaxAge: time.Minute,
	})
	assert.Nil(err)
	assert.Equal([]string{fmt.Sprintf("%s.a", base)}, info.Config.Subjects)
	assert.Equal(time.Minute, info.Config.MaxAge)

	// Case 3: ensure again is a no-op
	info, err = uut.EnsureStream(utCtxt, JetStreamStreamParam{
		Name: stream, Subjects: []string{fmt.Sprintf("%s.a", base)},
	})
	assert.Nil(err)
	assert.Len(info.Config.Subjects, 1)

	// Case 4: missing subjects are added
	info, err = uut.EnsureStream(utCtxt, JetStreamStreamParam{
		Name: stream, Subjects: []string{fmt.Sprintf("%s.b", base)},
	})
	assert.Nil(err)
	assert.ElementsMatch(
		[]string{fmt.Sprintf("%s.a", base), fmt.Sprintf("%s.b", base)}, info.Config.Subjects,
	)

	// Case 5: delete
	assert.Nil(uut.DeleteStream(utCtxt, stream))
	_, err = uut.GetStream(utCtxt, stream)
	assert.NotNil(err)
}

func TestJetStreamProvisionerConsumers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-js-consumers"

	js := defineTestNatsClient(t, testName)
	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()
	defer js.Close(utCtxt)

	uut, err := GetJetStreamProvisioner(js, testName)
	assert.Nil(err)

	config := common.JetStreamSourceConfig{
		Enabled:      true,
		Stream:       fmt.Sprintf("%s-%s", testName, uuid.New().String()),
		Subject:      fmt.Sprintf("%s.events", uuid.New().String()),
		Consumer:     uuid.New().String(),
		CreateStream: false,
		MaxAge:       60,
	}

	// Case 0: stream creation not allowed and stream missing
	assert.NotNil(ProvisionJetStreamSource(utCtxt, uut, config, ""))

	// Case 1: stream creation allowed
	config.CreateStream = true
	assert.Nil(ProvisionJetStreamSource(utCtxt, uut, config, ""))
	info, err := uut.EnsureConsumer(utCtxt, config.Stream, JetStreamConsumerParam{
		Name: config.Consumer, FilterSubject: config.Subject,
	})
	assert.Nil(err)
	assert.Equal(config.Consumer, info.Config.Durable)
	assert.Equal(config.Subject, info.Config.FilterSubject)
	assert.NotEmpty(info.Config.DeliverSubject)

	// Case 2: invalid consumer parameters
	_, err = uut.EnsureConsumer(utCtxt, config.Stream, JetStreamConsumerParam{Name: "no-filter"})
	assert.NotNil(err)

	// Case 3: clean up
	assert.Nil(uut.DeleteConsumer(utCtxt, config.Stream, config.Consumer))
	assert.NotNil(uut.DeleteConsumer(utCtxt, config.Stream, config.Consumer))
	assert.Nil(uut.DeleteStream(utCtxt, config.Stream))
}
