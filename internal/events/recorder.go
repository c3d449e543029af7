package events

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/zorkian/chibichonk/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes connection lifecycle events to a logger. High-volume
// events (payloads, deliveries) are skipped unless verbose is set.
type LogRecorder struct {
	Logger  *log.Logger
	Verbose bool
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	switch event.Type {
	case types.EventPayload, types.EventDelivered, types.EventNotified:
		if !r.Verbose {
			return
		}
	}
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(string(event.Type))
	if event.Device != "" {
		fmt.Fprintf(&b, " device=%q", event.Device)
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, event.Details[k])
	}
	r.Logger.Print(b.String())
}
