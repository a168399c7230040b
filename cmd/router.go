// Package cmd runs the router subcommands
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatstream/apis"
	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/alwitt/chatstream/dataplane"
	"github.com/alwitt/chatstream/management"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/chatstream/transport"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RouterDependencies platform clients the router server runs with. Clients
// not needed by the enabled event sources are nil.
type RouterDependencies struct {
	// NATS is the NATS client
	NATS *core.NatsClient
	// Postgres is the Postgres pool
	Postgres *pgxpool.Pool
	// Tracer records delivery spans
	Tracer trace.Tracer
}

// defineEventSources build the enabled inbound event subscribers
func defineEventSources(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	deps RouterDependencies,
	ingest dataplane.Ingestor,
) ([]dataplane.EventSubscriber, error) {
	sources := []dataplane.EventSubscriber{}
	inbound := config.Inbound

	if inbound.UsesNATS() && deps.NATS == nil {
		return nil, fmt.Errorf("NATS event sources enabled without a NATS client")
	}
	if inbound.NATS.Enabled {
		source, err := dataplane.GetNATSSubscriber(runTimeContext, *deps.NATS, inbound.NATS, ingest)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if inbound.JetStream.Enabled {
		provisioner, err := management.GetJetStreamProvisioner(*deps.NATS, instance)
		if err != nil {
			return nil, err
		}
		ctxt, cancel := context.WithTimeout(runTimeContext, time.Second*30)
		defer cancel()
		if err := management.ProvisionJetStreamSource(
			ctxt, provisioner, inbound.JetStream, inbound.NATS.QueueGroup,
		); err != nil {
			return nil, err
		}
		source, err := dataplane.GetJetStreamSubscriber(
			runTimeContext, *deps.NATS, inbound.JetStream, inbound.NATS.QueueGroup, ingest,
		)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if inbound.Postgres.Enabled {
		if deps.Postgres == nil {
			return nil, fmt.Errorf("postgres event source enabled without a pool")
		}
		source, err := dataplane.GetPostgresSubscriber(runTimeContext, deps.Postgres, inbound.Postgres, ingest)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// routerReady whether the NATS client is connected and every event source is
// still reading
func routerReady(natsClient *core.NatsClient, sources []dataplane.EventSubscriber) bool {
	if natsClient != nil && !natsClient.Connected() {
		return false
	}
	for _, source := range sources {
		if source.Err() != nil {
			return false
		}
	}
	return true
}

// RunRouterServer run the router server until the runtime context ends
func RunRouterServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	deps RouterDependencies,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "router",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Router core

	registry, err := router.GetRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry")
		return err
	}
	deliverer, err := router.GetDeliverer(registry, deps.Tracer, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define deliverer")
		return err
	}
	adapter, err := router.GetEventAdapter(deliverer, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event adapter")
		return err
	}
	lifecycle, err := router.GetLifecycleHandler(registry, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle handler")
		return err
	}

	// -------------------------------------------------------------------
	// Inbound events

	ingest, err := dataplane.GetIngestor(runTimeContext, adapter, config.Router.Ingest)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestor")
		return err
	}
	if err := ingest.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start ingestor")
		return err
	}
	defer func() {
		_ = ingest.Stop()
	}()

	sources, err := defineEventSources(runTimeContext, config, instance, deps, ingest)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event sources")
		return err
	}
	for _, source := range sources {
		if err := source.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event source")
			return err
		}
	}
	defer func() {
		for _, source := range sources {
			_ = source.Stop()
		}
	}()

	// -------------------------------------------------------------------
	// HTTP API

	httpConfig := &config.Router.HTTPSetting
	readiness := func() bool {
		return routerReady(deps.NATS, sources)
	}
	httpHandler, err := apis.GetAPIRestRouterHandler(
		registry, deliverer, ingest, httpConfig, config.Inbound.Dapr, readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	wsEndpoint, err := transport.GetWebSocketEndpoint(runTimeContext, lifecycle, config.Router.WebSocket)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket endpoint")
		return err
	}
	routes := apis.DefineRouterAPI(apis.RouterAPIRoutes{
		PathPrefix: config.Router.Endpoints.PathPrefix,
		Handler:    httpHandler,
		WebSocket:  wsEndpoint,
		EnableDapr: config.Inbound.Dapr.Enabled,
		Logging:    apis.GetRequestLogging(httpConfig),
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(routes, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	// Websocket sessions are hijacked and outlive the HTTP server
	lifecycle.Shutdown()

	return nil
}
