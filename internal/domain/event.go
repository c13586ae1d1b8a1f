package domain

import "fmt"

// EventType is the closed set of webhook event kinds.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventUpdated
	EventNotification
	EventFinished
	EventDeactivated
	EventActivated
	EventDeleted
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "reminder_created"
	case EventUpdated:
		return "reminder_updated"
	case EventNotification:
		return "reminder_notification"
	case EventFinished:
		return "reminder_finished"
	case EventDeactivated:
		return "reminder_deactivated"
	case EventActivated:
		return "reminder_activated"
	case EventDeleted:
		return "reminder_deleted"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

func (e EventType) Valid() bool {
	return e >= EventCreated && e <= EventDeleted
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for e := EventCreated; e <= EventDeleted; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (e EventType) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("invalid event type %d", int(e))
	}
	return []byte(e.String()), nil
}

func (e *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
