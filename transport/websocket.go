// Package transport carries router connections over websockets
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionParams websocket session tuning parameters
type SessionParams struct {
	// SendBufferMsgs outbound messages buffered per connection
	SendBufferMsgs int
	// MaxMessageSize largest client frame accepted
	MaxMessageSize int64
	// PingInterval keep-alive ping interval
	PingInterval time.Duration
	// PongWait how long to wait for any client frame before the session is dead
	PongWait time.Duration
	// WriteWait per frame write deadline
	WriteWait time.Duration
}

// SessionParamsFromConfig convert the websocket config section into session parameters
func SessionParamsFromConfig(config common.WebSocketConfig) SessionParams {
	return SessionParams{
		SendBufferMsgs: config.SendBufferMsgs,
		MaxMessageSize: config.MaxMessageSize,
		PingInterval:   time.Second * time.Duration(config.PingInterval),
		PongWait:       time.Second * time.Duration(config.PongWait),
		WriteWait:      time.Second * time.Duration(config.WriteWait),
	}
}

// webSocketConnection router.Connection over a gorilla websocket. One writer
// goroutine drains the outbound buffer so frames go out in Send order.
type webSocketConnection struct {
	goutils.Component
	id       string
	ws       *websocket.Conn
	params   SessionParams
	state    atomic.Int32
	outbound chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctxt     context.Context
	cancel   context.CancelFunc
	pinger   common.IntervalTimer
}

// newWebSocketConnection wrap an upgraded websocket
func newWebSocketConnection(
	parentCtxt context.Context, ws *websocket.Conn, params SessionParams,
) (*webSocketConnection, error) {
	if params.SendBufferMsgs < 1 {
		return nil, fmt.Errorf("send buffer must hold at least one message")
	}
	connID := uuid.New().String()
	logTags := log.Fields{
		"module": "transport", "component": "websocket-connection", "instance": connID,
	}
	ctxt, cancel := context.WithCancel(parentCtxt)
	conn := &webSocketConnection{
		Component: goutils.Component{LogTags: logTags},
		id:        connID,
		ws:        ws,
		params:    params,
		outbound:  make(chan []byte, params.SendBufferMsgs),
		done:      make(chan struct{}),
		ctxt:      ctxt,
		cancel:    cancel,
	}
	conn.state.Store(int32(router.StateConnecting))
	pinger, err := common.GetIntervalTimerInstance(fmt.Sprintf("ping-%s", connID), ctxt, &conn.wg)
	if err != nil {
		cancel()
		return nil, err
	}
	conn.pinger = pinger
	return conn, nil
}

// ID unique identifier of this connection
func (c *webSocketConnection) ID() string {
	return c.id
}

// State current transport state
func (c *webSocketConnection) State() router.ConnectionState {
	return router.ConnectionState(c.state.Load())
}

// Send queue a payload for the writer. A full buffer drops the payload.
func (c *webSocketConnection) Send(payload []byte) error {
	if c.State() != router.StateOpen {
		return router.ErrConnectionClosed
	}
	select {
	case c.outbound <- payload:
		return nil
	default:
		log.WithFields(c.LogTags).Warn("Send buffer full, dropping message")
		return router.ErrSendBufferFull
	}
}

// Close send a close frame and stop the writer. The read loop ends when the
// client answers or the read deadline passes.
func (c *webSocketConnection) Close(code int, reason string) error {
	previous := router.ConnectionState(c.state.Swap(int32(router.StateClosed)))
	if previous == router.StateClosed {
		return nil
	}
	c.stopWriter()
	deadline := time.Now().Add(c.params.WriteWait)
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Failed to send close frame")
	}
	_ = c.ws.SetReadDeadline(deadline)
	return err
}

// start mark the connection open, start the writer and keep-alive pings
func (c *webSocketConnection) start() error {
	c.ws.SetReadLimit(c.params.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.params.PongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.params.PongWait))
	})
	c.state.Store(int32(router.StateOpen))

	c.wg.Add(1)
	go c.writeLoop()

	return c.pinger.Start(c.params.PingInterval, func() error {
		return c.ws.WriteControl(
			websocket.PingMessage, nil, time.Now().Add(c.params.WriteWait),
		)
	}, false)
}

// stopWriter end the writer goroutine
func (c *webSocketConnection) stopWriter() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// writeLoop transmit queued payloads in order
func (c *webSocketConnection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.ctxt.Done():
			return
		case payload := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.params.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(c.LogTags).Warn("Write failed, dropping session")
				// Unblocks the read loop, which reports the failure
				_ = c.ws.Close()
				return
			}
		}
	}
}

// readLoop consume client frames until the session ends. Client frames
// carry no routing meaning and are discarded.
func (c *webSocketConnection) readLoop() error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		log.WithFields(c.LogTags).Debugf("Discarding client frame type %d (%d bytes)", msgType, len(data))
	}
}

// terminate release every resource held by the connection
func (c *webSocketConnection) terminate() {
	c.state.Store(int32(router.StateClosed))
	if err := c.pinger.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to stop keep-alive")
	}
	c.stopWriter()
	c.cancel()
	c.wg.Wait()
	_ = c.ws.Close()
}
