package apis

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/dataplane"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// DaprMessagesRoute is the path Dapr delivers subscribed events to
const DaprMessagesRoute = "/dapr/messages"

// maxInboundBodyBytes largest event body accepted over HTTP
const maxInboundBodyBytes = 1 << 20

// ReadinessCheck reports whether a dependency is ready. Nil checks are skipped.
type ReadinessCheck func() bool

// APIRestRouterHandler REST handler for the router
type APIRestRouterHandler struct {
	goutils.RestAPIHandler
	registry  router.RegistryReader
	deliverer router.Deliverer
	ingest    dataplane.Ingestor
	dapr      common.DaprSourceConfig
	ready     ReadinessCheck
}

// GetAPIRestRouterHandler define APIRestRouterHandler
func GetAPIRestRouterHandler(
	registry router.RegistryReader,
	deliverer router.Deliverer,
	ingest dataplane.Ingestor,
	httpConfig *common.HTTPConfig,
	dapr common.DaprSourceConfig,
	ready ReadinessCheck,
) (APIRestRouterHandler, error) {
	if registry == nil || deliverer == nil || ingest == nil {
		return APIRestRouterHandler{}, fmt.Errorf("router API requires registry, deliverer and ingestor")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "router",
	}
	return APIRestRouterHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		deliverer:      deliverer,
		ingest:         ingest,
		dapr:           dapr,
		ready:          ready,
	}, nil
}

// readJSONBody read a request body which must be one JSON value
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBodyBytes))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return body, nil
}

// =======================================================================
// Dapr pub/sub

// DaprSubscription one entry of the Dapr programmatic subscription list
type DaprSubscription struct {
	PubSubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Route      string `json:"route"`
}

// DaprSubscribe list the topics Dapr should deliver to this router
func (h APIRestRouterHandler) DaprSubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	subscriptions := []DaprSubscription{
		{PubSubName: h.dapr.PubSubName, Topic: h.dapr.Topic, Route: DaprMessagesRoute},
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, subscriptions, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// DaprSubscribeHandler Wrapper around DaprSubscribe
func (h APIRestRouterHandler) DaprSubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DaprSubscribe(w, r)
	}
}

// DaprMessage accept one event pushed by Dapr. The delivery outcome does
// not change the response; only unreadable bodies are refused.
func (h APIRestRouterHandler) DaprMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	body, err := readJSONBody(w, r)
	if err != nil {
		msg := "Unable to read event"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.ingest.Ingest(r.Context(), body); err != nil {
		msg := "Unable to accept event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DaprMessageHandler Wrapper around DaprMessage
func (h APIRestRouterHandler) DaprMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DaprMessage(w, r)
	}
}

// =======================================================================
// Admin

// APIRestRespBroadcast response to a broadcast request
type APIRestRespBroadcast struct {
	goutils.RestAPIBaseResponse
	// Connections is the number of connections which accepted the message
	Connections int `json:"connections"`
}

// Broadcast push the request body to every connection
func (h APIRestRouterHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	body, err := readJSONBody(w, r)
	if err != nil {
		msg := "Unable to read broadcast message"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	sent, err := h.deliverer.Broadcast(r.Context(), json.RawMessage(body))
	if err != nil {
		msg := "Broadcast failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBroadcast{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Connections: sent,
	}
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestRouterHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// =======================================================================
// Health Checks

// APIRestRespHealth router health summary
type APIRestRespHealth struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// Health report the number of connected clients
func (h APIRestRouterHandler) Health(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	resp := APIRestRespHealth{Status: "healthy", Clients: h.registry.Count()}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIRestRouterHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// Alive liveness check
func (h APIRestRouterHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRouterHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready readiness check
func (h APIRestRouterHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil || h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRouterHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
