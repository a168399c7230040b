package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("/", cfg.Router.Endpoints.PathPrefix)
		assert.Equal(uint16(3000), cfg.Router.HTTPSetting.Server.Port)
		assert.Equal([]string{"*"}, cfg.Router.WebSocket.AllowedOrigins)
		assert.True(cfg.Inbound.Dapr.Enabled)
		assert.Equal("chatstream-pubsub", cfg.Inbound.Dapr.PubSubName)
		assert.Equal("chatstream-topic", cfg.Inbound.Dapr.Topic)
		assert.False(cfg.Inbound.UsesNATS())
		assert.False(cfg.Tracing.Enabled)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
router:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: pong wait must exceed the ping interval
	{
		config := []byte(`---
router:
  websocket:
    ping_interval_sec: 30
    pong_wait_sec: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: enabling postgres without a URL
	{
		config := []byte(`---
inbound:
  postgres:
    enabled: true`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: enabling NATS
	{
		config := []byte(`---
inbound:
  nats:
    enabled: true
    subject: events.user
    queue_group: routers`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.True(cfg.Inbound.UsesNATS())
		assert.Equal("events.user", cfg.Inbound.NATS.Subject)
		assert.Equal("routers", cfg.Inbound.NATS.QueueGroup)
	}
}
