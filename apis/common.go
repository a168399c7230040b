// Package apis holds the router's HTTP API handlers
package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defineRestAPIHandler define the shared REST handler base from the HTTP config
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component:                goutils.Component{LogTags: logTags},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// RequestLogging HTTP access log sink and request ID middleware
type RequestLogging struct {
	goutils.Component
	requestIDHeader string
}

// GetRequestLogging define RequestLogging
func GetRequestLogging(httpConfig *common.HTTPConfig) RequestLogging {
	return RequestLogging{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "apis", "component": "access-log"},
		},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
	}
}

// Write logging support
func (h RequestLogging) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h RequestLogging) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.requestIDHeader, reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(), RemoteAddr: r.RemoteAddr,
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
