// Package dataplane feeds inbound events from the pub/sub sources into the router
package dataplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/router"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// IngestDoneCB callback invoked once the router has decided the fate of an event
type IngestDoneCB func(outcome router.EventOutcome)

// Ingestor is the single entry point for inbound events from every source.
// Events for the same recipient reach the router in the order they were ingested.
type Ingestor interface {
	// Ingest queue a raw event for delivery
	Ingest(ctxt context.Context, raw []byte) error
	// IngestThen queue a raw event for delivery, calling onDone after the
	// delivery decision. onDone is not called if the event could not be queued.
	IngestThen(ctxt context.Context, raw []byte, onDone IngestDoneCB) error
	// Start begin processing queued events
	Start(wg *sync.WaitGroup) error
	// Stop processing events
	Stop() error
}

// ingestTask one queued event
type ingestTask struct {
	ctxt   context.Context
	raw    []byte
	onDone IngestDoneCB
}

// ingestorImpl implements Ingestor
type ingestorImpl struct {
	goutils.Component
	adapter router.EventAdapter
	workers common.KeyedTaskProcessor
}

// GetIngestor define a new Ingestor with a keyed worker pool in front of the adapter
func GetIngestor(
	ctxt context.Context, adapter router.EventAdapter, config common.IngestConfig,
) (Ingestor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("ingestor requires an event adapter")
	}
	logTags := log.Fields{"module": "dataplane", "component": "ingestor"}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		"ingest", config.QueueDepth, config.Workers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingest workers")
		return nil, err
	}
	instance := &ingestorImpl{
		Component: goutils.Component{LogTags: logTags},
		adapter:   adapter,
		workers:   workers,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(ingestTask{}), instance.processIngestTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// UnwrapCloudEvent return the event carried by a CloudEvent envelope. Bodies
// which are not an envelope are returned unchanged.
func UnwrapCloudEvent(raw []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	if _, ok := envelope["specversion"]; !ok {
		return raw
	}
	if data, ok := envelope["data"]; ok {
		// String data holds a JSON encoded event
		var encoded string
		if err := json.Unmarshal(data, &encoded); err == nil {
			return []byte(encoded)
		}
		return data
	}
	if data, ok := envelope["data_base64"]; ok {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err == nil {
			if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				return decoded
			}
		}
	}
	return raw
}

// Ingest queue a raw event for delivery
func (i *ingestorImpl) Ingest(ctxt context.Context, raw []byte) error {
	return i.IngestThen(ctxt, raw, nil)
}

// IngestThen queue a raw event for delivery with a completion callback
func (i *ingestorImpl) IngestThen(ctxt context.Context, raw []byte, onDone IngestDoneCB) error {
	event := UnwrapCloudEvent(raw)
	task := ingestTask{ctxt: context.WithoutCancel(ctxt), raw: event, onDone: onDone}

	recipient, err := i.adapter.RecipientOf(event)
	if err != nil {
		// No ordering key, any worker will reject it
		return i.workers.Submit(ctxt, task)
	}
	return i.workers.SubmitKeyed(ctxt, recipient, task)
}

// processIngestTask deliver one queued event
func (i *ingestorImpl) processIngestTask(param interface{}) error {
	task, ok := param.(ingestTask)
	if !ok {
		return fmt.Errorf("unexpected ingest task type %s", reflect.TypeOf(param))
	}
	outcome := i.adapter.OnInboundEvent(task.ctxt, task.raw)
	if task.onDone != nil {
		task.onDone(outcome)
	}
	return nil
}

// Start begin processing queued events
func (i *ingestorImpl) Start(wg *sync.WaitGroup) error {
	return i.workers.StartEventLoop(wg)
}

// Stop processing events
func (i *ingestorImpl) Stop() error {
	return i.workers.StopEventLoop()
}
