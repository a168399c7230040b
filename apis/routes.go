package apis

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RouterAPIRoutes what to mount on the router's HTTP server
type RouterAPIRoutes struct {
	// PathPrefix is the prefix of the websocket and management end-points
	PathPrefix string
	// Handler serves the REST end-points
	Handler APIRestRouterHandler
	// WebSocket serves client connections
	WebSocket http.Handler
	// EnableDapr whether to serve the Dapr subscription end-points
	EnableDapr bool
	// Logging is the access log sink and request ID middleware
	Logging RequestLogging
}

// DefineRouterAPI build the complete HTTP handler of the router
func DefineRouterAPI(routes RouterAPIRoutes) http.Handler {
	router := mux.NewRouter()

	// Fixed paths expected by orchestrators and Dapr
	_ = RegisterPathPrefix(router, "/health", MethodHandlers{
		"get": routes.Handler.HealthHandler(),
	})
	if routes.EnableDapr {
		_ = RegisterPathPrefix(router, "/dapr/subscribe", MethodHandlers{
			"get": routes.Handler.DaprSubscribeHandler(),
		})
		_ = RegisterPathPrefix(router, DaprMessagesRoute, MethodHandlers{
			"post": routes.Handler.DaprMessageHandler(),
		})
	}

	mainRouter := RegisterPathPrefix(router, routes.PathPrefix, nil)

	// Client connections
	mainRouter.Methods("get").Path("/ws").Handler(routes.WebSocket)
	mainRouter.Methods("get").Path("/").Handler(routes.WebSocket)

	// Management
	_ = RegisterPathPrefix(mainRouter, "/v1/router/broadcast", MethodHandlers{
		"post": routes.Handler.BroadcastHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/router/alive", MethodHandlers{
		"get": routes.Handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/router/ready", MethodHandlers{
		"get": routes.Handler.ReadyHandler(),
	})

	// Add logging
	router.Use(routes.Logging.AttachRequestID)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(routes.Logging, next)
	})
	return router
}
