package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// WebSocketEndpoint HTTP handler upgrading requests into router connections
type WebSocketEndpoint struct {
	goutils.Component
	lifecycle      router.LifecycleHandler
	params         SessionParams
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowAll       bool
	rootCtxt       context.Context
}

// GetWebSocketEndpoint define a new websocket endpoint driving the lifecycle handler
func GetWebSocketEndpoint(
	rootCtxt context.Context,
	lifecycle router.LifecycleHandler,
	config common.WebSocketConfig,
) (*WebSocketEndpoint, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("websocket endpoint requires a lifecycle handler")
	}
	logTags := log.Fields{
		"module": "transport", "component": "websocket-endpoint",
	}
	endpoint := &WebSocketEndpoint{
		Component:      goutils.Component{LogTags: logTags},
		lifecycle:      lifecycle,
		params:         SessionParamsFromConfig(config),
		allowedOrigins: map[string]bool{},
		rootCtxt:       rootCtxt,
	}
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			endpoint.allowAll = true
		}
		endpoint.allowedOrigins[origin] = true
	}
	endpoint.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     endpoint.checkOrigin,
	}
	return endpoint, nil
}

// checkOrigin requests without an Origin header come from non browser clients
func (e *WebSocketEndpoint) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if e.allowAll || origin == "" {
		return true
	}
	return e.allowedOrigins[origin]
}

// ServeHTTP upgrade the request and run the session until it ends
func (e *WebSocketEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), e.LogTags)

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Warn("Websocket upgrade failed")
		return
	}

	conn, err := newWebSocketConnection(e.rootCtxt, ws, e.params)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection")
		_ = ws.Close()
		return
	}
	defer conn.terminate()

	if err := conn.start(); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to start connection")
		return
	}

	handshake := router.Handshake{Params: r.URL.Query(), RemoteAddr: r.RemoteAddr}
	if err := e.lifecycle.OnOpen(conn, handshake); err != nil {
		return
	}

	err = conn.readLoop()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		e.lifecycle.OnClose(conn)
	} else {
		e.lifecycle.OnError(conn, err)
	}
}
