package rollback

import "time"

type EventType string

const (
	EventRollback   EventType = "rollback"
	EventStall      EventType = "stall"
	EventDisconnect EventType = "disconnect"
	EventChecksum   EventType = "checksum"
	EventDesync     EventType = "desync"
	EventFatal      EventType = "fatal"
)

type Event struct {
	Time   time.Time
	Frame  int
	Type   EventType
	Fields map[string]any
}

func (s *Scheduler) emit(t EventType, f map[string]any) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- Event{Time: time.Now(), Frame: s.current, Type: t, Fields: f}:
	default: // drop if the consumer is slow
	}
}
