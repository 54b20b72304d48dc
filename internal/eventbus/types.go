package eventbus

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventPong     EventType = "pong"
)

// Event is one outbound notification for a session. Seq is assigned by the
// bus per session and is not part of the wire shape.
type Event struct {
	Type    EventType
	Status  string
	Message string
	Result  string

	SessionID string
	Seq       uint64
}

func StatusEvent(status, message string) Event {
	return Event{Type: EventStatus, Status: status, Message: message}
}

func CompleteEvent(result string) Event {
	return Event{Type: EventComplete, Result: result}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

func PongEvent() Event {
	return Event{Type: EventPong}
}

type statusWire struct {
	Type    EventType `json:"type"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

type completeWire struct {
	Type   EventType `json:"type"`
	Result string    `json:"result"`
}

type messageWire struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type typeWire struct {
	Type EventType `json:"type"`
}

// MarshalJSON emits only the fields that belong to the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStatus:
		return json.Marshal(statusWire{Type: e.Type, Status: e.Status, Message: e.Message})
	case EventComplete:
		return json.Marshal(completeWire{Type: e.Type, Result: e.Result})
	case EventError:
		return json.Marshal(messageWire{Type: e.Type, Message: e.Message})
	case EventPong:
		return json.Marshal(typeWire{Type: e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type    EventType `json:"type"`
		Status  string    `json:"status"`
		Message string    `json:"message"`
		Result  string    `json:"result"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event{Type: wire.Type, Status: wire.Status, Message: wire.Message, Result: wire.Result}
	return nil
}
