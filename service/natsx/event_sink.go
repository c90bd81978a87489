package natsx

import (
	"encoding/json"
	"strings"

	"PPCollab/service/events"
)

const (
	HeaderEventType   = "Collab-Event-Type"
	HeaderEventSource = "Collab-Event-Source"
)

// EventSink publishes every bus event to <prefix>.<source>.<type>.
type EventSink struct {
	c      *NatsxClient
	prefix string
}

func NewEventSink(c *NatsxClient, prefix string) *EventSink {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		prefix = "collab.events"
	}
	return &EventSink{c: c, prefix: prefix}
}

func (s *EventSink) Name() string { return "nats" }

func (s *EventSink) Subject(e events.Event) string {
	return s.prefix + "." + e.Source + "." + e.Type
}

func (s *EventSink) Handle(e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.c.sendCore(s.Subject(e), b, map[string]string{
		HeaderEventType:   e.Type,
		HeaderEventSource: e.Source,
	})
}
