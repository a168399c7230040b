package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method" `
	// URI is the request URI
	URI string `json:"uri"`
	// RemoteAddr is the client address as seen by the server
	RemoteAddr string `json:"remote_addr"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
	tags["remote_addr"] = i.RemoteAddr
}

// UpdateLogTags returns a copy of tags extended with the request parameters
// found in the context, if any
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	newTags := log.Fields{}
	for k, v := range original {
		newTags[k] = v
	}
	if ctxt == nil {
		return newTags
	}
	if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		v.UpdateLogTags(newTags)
	}
	return newTags
}
