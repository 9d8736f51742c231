// Package events delivers job notifications to more than one sink.
package events

import (
	"context"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/pulse/async"
)

// Fanout publishes each event to every sink in order. A failing or panicking
// sink does not stop the others; their errors are combined.
type Fanout []async.Publisher

// Publish implements async.Publisher
func (f Fanout) Publish(ctx context.Context, eventType async.EventType, payload interface{}, rooms ...string) error {
	var combined error
	for _, sink := range f {
		if err := publishOne(ctx, sink, eventType, payload, rooms); err != nil {
			if combined == nil {
				combined = err
			} else {
				combined = errors.WithSecondaryError(combined, err)
			}
		}
	}
	return combined
}

func publishOne(ctx context.Context, sink async.Publisher, eventType async.EventType, payload interface{}, rooms []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("publisher panicked: %v", r)
		}
	}()
	return sink.Publish(ctx, eventType, payload, rooms...)
}
