package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Websocket sessions are hijacked so this does not bound their lifetime.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Router Related Config

// RouterEndpointConfig defines router API endpoint config
type RouterEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the router APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebSocketConfig defines the client facing websocket session parameters
type WebSocketConfig struct {
	// ReadBufferSize is the websocket upgrader read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_bytes" json:"read_buffer_bytes" validate:"gte=0"`
	// WriteBufferSize is the websocket upgrader write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_bytes" json:"write_buffer_bytes" validate:"gte=0"`
	// SendBufferMsgs is the number of outbound messages buffered per connection
	// before new messages for that connection are dropped
	SendBufferMsgs int `mapstructure:"send_buffer_msgs" json:"send_buffer_msgs" validate:"gte=1"`
	// MaxMessageSize is the largest client frame accepted in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1"`
	// PingInterval is the keep-alive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongWait is how long to wait for any client frame before declaring
	// the session dead in seconds. Must exceed PingInterval.
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gtfield=PingInterval"`
	// WriteWait is the per-frame write deadline in seconds
	WriteWait int `mapstructure:"write_wait_sec" json:"write_wait_sec" validate:"gte=1"`
	// AllowedOrigins is the list of permitted Origin header values. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"required,min=1"`
}

// IngestConfig defines the inbound event processing pipeline parameters
type IngestConfig struct {
	// Workers is the number of parallel delivery workers. Events for one
	// recipient are always processed by the same worker.
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the per worker event buffer
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// RouterServerConfig defines configuration for the router server
type RouterServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the router server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the router server
	Endpoints RouterEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// WebSocket is the client session config
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Ingest is the inbound event pipeline config
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
}

// ===============================================================================
// Inbound Event Source Config

// NATSSourceConfig defines the NATS core subscription event source
type NATSSourceConfig struct {
	// Enabled whether to subscribe
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject to subscribe to
	Subject string `mapstructure:"subject" json:"subject" validate:"required_if=Enabled true"`
	// QueueGroup when set, router instances share the subject as a queue group
	QueueGroup string `mapstructure:"queue_group" json:"queue_group,omitempty"`
}

// JetStreamSourceConfig defines the JetStream durable consumer event source
type JetStreamSourceConfig struct {
	// Enabled whether to subscribe
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Stream is the JetStream stream holding the events
	Stream string `mapstructure:"stream" json:"stream" validate:"required_if=Enabled true"`
	// Subject is the subject within the stream to consume
	Subject string `mapstructure:"subject" json:"subject" validate:"required_if=Enabled true"`
	// Consumer is the durable consumer name
	Consumer string `mapstructure:"consumer" json:"consumer" validate:"required_if=Enabled true"`
	// CreateStream whether to create the stream when it does not exist
	CreateStream bool `mapstructure:"create_stream" json:"create_stream"`
	// MaxAge is the retention of the stream in seconds when it is created here
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
}

// PostgresSourceConfig defines the Postgres LISTEN/NOTIFY event source
type PostgresSourceConfig struct {
	// Enabled whether to listen
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// URL is the Postgres connection URL
	URL string `mapstructure:"url" json:"-" validate:"required_if=Enabled true"`
	// Channel is the notification channel to LISTEN on
	Channel string `mapstructure:"channel" json:"channel" validate:"required_if=Enabled true"`
}

// DaprSourceConfig defines the Dapr pub/sub HTTP push source
type DaprSourceConfig struct {
	// Enabled whether to serve the Dapr subscription endpoints
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// PubSubName is the Dapr pub/sub component name
	PubSubName string `mapstructure:"pubsub_name" json:"pubsub_name" validate:"required_if=Enabled true"`
	// Topic is the topic Dapr should deliver
	Topic string `mapstructure:"topic" json:"topic" validate:"required_if=Enabled true"`
}

// InboundConfig defines all inbound event sources
type InboundConfig struct {
	NATS      NATSSourceConfig      `mapstructure:"nats" json:"nats" validate:"required,dive"`
	JetStream JetStreamSourceConfig `mapstructure:"jetstream" json:"jetstream" validate:"required,dive"`
	Postgres  PostgresSourceConfig  `mapstructure:"postgres" json:"postgres" validate:"required,dive"`
	Dapr      DaprSourceConfig      `mapstructure:"dapr" json:"dapr" validate:"required,dive"`
}

// UsesNATS whether any enabled source needs a NATS connection
func (c InboundConfig) UsesNATS() bool {
	return c.NATS.Enabled || c.JetStream.Enabled
}

// ===============================================================================
// Tracing Config

// TracingConfig defines the OpenTelemetry trace export parameters
type TracingConfig struct {
	// Enabled whether spans are recorded
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Exporter is the span export backend
	Exporter string `mapstructure:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	// SampleRate is the fraction of traces sampled
	SampleRate float64 `mapstructure:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
	// ServiceName identifies this service in traces
	ServiceName string `mapstructure:"service_name" json:"service_name" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the router
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Router are the router server configs
	Router RouterServerConfig `mapstructure:"router" json:"router" validate:"required,dive"`
	// Inbound are the inbound event source configs
	Inbound InboundConfig `mapstructure:"inbound" json:"inbound" validate:"required,dive"`
	// Tracing are the trace export configs
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Router server settings
	viper.SetDefault("router.endpoint_config.path_prefix", "/")
	viper.SetDefault("router.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("router.api_server.server_config.listen_port", 3000)
	viper.SetDefault("router.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("router.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("router.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"router.api_server.logging_config.request_id_header", "Chatstream-Request-ID",
	)
	viper.SetDefault(
		"router.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("router.websocket.read_buffer_bytes", 1024)
	viper.SetDefault("router.websocket.write_buffer_bytes", 1024)
	viper.SetDefault("router.websocket.send_buffer_msgs", 256)
	viper.SetDefault("router.websocket.max_message_bytes", 512*1024)
	viper.SetDefault("router.websocket.ping_interval_sec", 30)
	viper.SetDefault("router.websocket.pong_wait_sec", 60)
	viper.SetDefault("router.websocket.write_wait_sec", 10)
	viper.SetDefault("router.websocket.allowed_origins", []string{"*"})
	viper.SetDefault("router.ingest.workers", 4)
	viper.SetDefault("router.ingest.queue_depth", 64)

	// Default inbound sources
	viper.SetDefault("inbound.nats.enabled", false)
	viper.SetDefault("inbound.nats.subject", "chatstream-topic")
	viper.SetDefault("inbound.nats.queue_group", "")
	viper.SetDefault("inbound.jetstream.enabled", false)
	viper.SetDefault("inbound.jetstream.stream", "chatstream")
	viper.SetDefault("inbound.jetstream.subject", "chatstream-topic")
	viper.SetDefault("inbound.jetstream.consumer", "chatstream-router")
	viper.SetDefault("inbound.jetstream.create_stream", true)
	viper.SetDefault("inbound.jetstream.max_age_sec", 3600)
	viper.SetDefault("inbound.postgres.enabled", false)
	viper.SetDefault("inbound.postgres.url", "")
	viper.SetDefault("inbound.postgres.channel", "chatstream")
	viper.SetDefault("inbound.dapr.enabled", true)
	viper.SetDefault("inbound.dapr.pubsub_name", "chatstream-pubsub")
	viper.SetDefault("inbound.dapr.topic", "chatstream-topic")

	// Default tracing settings
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.exporter", "none")
	viper.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.service_name", "chatstream-router")
}
