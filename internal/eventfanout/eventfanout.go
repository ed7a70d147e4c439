// Package eventfanout dispatches interaction and conversion events to one
// or more configured sinks: a managed event tracker, a streaming data
// stream, or a streaming delivery stream (spec.md §4.6).
package eventfanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/autocontext"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// Event is one interaction (or conversion) being recorded.
type Event struct {
	EventType  string
	UserID     string
	SessionID  string
	ItemID     string
	EventValue *float64
	Properties map[string]any
	SentAt     time.Time
}

// Sink delivers a single event to one configured destination.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SinkFactory builds the Sink a single target's configuration node names.
type SinkFactory func(target configmodel.Node) (Sink, error)

// FanOut dispatches an event to every configured target for the
// namespace/recommender it belongs to.
type FanOut struct {
	Factory SinkFactory
}

// New builds a FanOut around the given SinkFactory.
func New(factory SinkFactory) *FanOut {
	return &FanOut{Factory: factory}
}

// ApplyAutoContext merges resolved auto-context values into an event's
// properties. A value already present on the event is never overwritten.
// A field declared with type "string" and more than one resolved value
// joins them with "|" (the separator the gateway uses for autoContext, as
// opposed to the comma-joined, quoted values used for filter expressions);
// every other field takes only its first resolved value.
func ApplyAutoContext(event *Event, resolved map[string]autocontext.Resolved) {
	if event.Properties == nil {
		event.Properties = map[string]any{}
	}
	for k, v := range resolved {
		if _, exists := event.Properties[k]; exists {
			continue
		}
		if len(v.Values) == 0 {
			continue
		}
		if v.Type == "string" && len(v.Values) > 1 {
			event.Properties[k] = strings.Join(v.Values, "|")
			continue
		}
		event.Properties[k] = v.Values[0]
	}
}

// Dispatch sends the event to every target, stamping SentAt with the
// current time only when the caller has not already supplied one (spec.md
// §4.6). With exactly one target the send happens inline on the caller's
// goroutine; with more than one, sends run concurrently and are joined
// before returning, and any single failure fails the whole dispatch
// (unlike a best-effort fan-out, every configured sink is expected to
// durably record the event).
func (f *FanOut) Dispatch(ctx context.Context, targets []configmodel.Node, event Event) error {
	if len(targets) == 0 {
		return nil
	}
	if event.SentAt.IsZero() {
		event.SentAt = time.Now()
	}

	sinks := make([]Sink, 0, len(targets))
	for _, t := range targets {
		sink, err := f.Factory(t)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 1 {
		return sinks[0].Send(ctx, event)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(sinks))
	for _, s := range sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := sink.Send(ctx, event); err != nil {
				errCh <- err
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// ValidateConversion enforces the minimal shape a conversion event must
// have: a non-empty event type and either a user or session identifier so
// the downstream attribution join has something to key off.
func ValidateConversion(event Event) error {
	if event.EventType == "" {
		return apierrors.Validation("missing_event_type", "conversion events must set eventType")
	}
	if event.UserID == "" && event.SessionID == "" {
		return apierrors.Validation("missing_identity", "conversion events require a userId or sessionId")
	}
	return nil
}
