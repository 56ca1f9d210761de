package tracking

import (
	"context"
	"time"

	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/store"
)

type eventType string

const (
	eventOpen  eventType = "opened"
	eventClick eventType = "clicked"
)

type trackingEvent struct {
	kind      eventType
	messageID string
	click     *store.ClickEvent
}

// Recorder persists open and click events off the request path. Pixel and
// redirect responses must never wait on the database, so handlers enqueue
// and move on; a full buffer drops the event with a log line rather than
// blocking.
type Recorder struct {
	store  *store.Store
	events chan trackingEvent
	done   chan struct{}
}

func NewRecorder(st *store.Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:  st,
		events: make(chan trackingEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *Recorder) Start() {
	go r.run()
}

// Stop drains buffered events and waits for the loop to exit.
func (r *Recorder) Stop() {
	close(r.events)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch evt.kind {
		case eventOpen:
			err = r.store.RecordOpen(ctx, evt.messageID)
		case eventClick:
			err = r.store.RecordClick(ctx, evt.messageID, evt.click)
		}
		cancel()
		if err != nil {
			logger.Warn("tracking event not persisted",
				"event", string(evt.kind), "message_id", evt.messageID, "error", err.Error())
		}
	}
}

// RecordOpen enqueues a pixel hit.
func (r *Recorder) RecordOpen(messageID string) {
	r.enqueue(trackingEvent{kind: eventOpen, messageID: messageID})
}

// RecordClick enqueues a click append.
func (r *Recorder) RecordClick(messageID string, click *store.ClickEvent) {
	r.enqueue(trackingEvent{kind: eventClick, messageID: messageID, click: click})
}

func (r *Recorder) enqueue(evt trackingEvent) {
	select {
	case r.events <- evt:
	default:
		logger.Warn("tracking event dropped, buffer full",
			"event", string(evt.kind), "message_id", evt.messageID)
	}
}
