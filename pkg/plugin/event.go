package plugin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event. Actions declare which types they accept.
type EventType int

const (
	EventSystem EventType = iota
	EventPlugin
	EventUser
	EventInternal
	EventKeyPress
	EventTimer
)

// AllEventTypes lists every event type, in declaration order.
var AllEventTypes = []EventType{EventSystem, EventPlugin, EventUser, EventInternal, EventKeyPress, EventTimer}

func (t EventType) String() string {
	switch t {
	case EventSystem:
		return "system"
	case EventPlugin:
		return "plugin"
	case EventUser:
		return "user"
	case EventInternal:
		return "internal"
	case EventKeyPress:
		return "keypress"
	case EventTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String. It is case-insensitive.
func ParseEventType(s string) (EventType, error) {
	for _, t := range AllEventTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	if strings.EqualFold(s, "key_press") {
		return EventKeyPress, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// PayloadKind tags the value held in a Payload.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadText
	PayloadNumber
	PayloadFloat
	PayloadBool
	PayloadCustom
)

// Payload is the data carried by an event.
type Payload struct {
	Kind   PayloadKind
	Text   string
	Number int64
	Float  float64
	Bool   bool
	Custom any
}

func TextPayload(s string) Payload { return Payload{Kind: PayloadText, Text: s} }
func NumberPayload(n int64) Payload { return Payload{Kind: PayloadNumber, Number: n} }
func FloatPayload(f float64) Payload { return Payload{Kind: PayloadFloat, Float: f} }
func BoolPayload(b bool) Payload { return Payload{Kind: PayloadBool, Bool: b} }
func CustomPayload(v any) Payload { return Payload{Kind: PayloadCustom, Custom: v} }

// String renders the payload for comparisons and logs. None is "".
func (p Payload) String() string {
	switch p.Kind {
	case PayloadText:
		return p.Text
	case PayloadNumber:
		return strconv.FormatInt(p.Number, 10)
	case PayloadFloat:
		return strconv.FormatFloat(p.Float, 'f', -1, 64)
	case PayloadBool:
		return strconv.FormatBool(p.Bool)
	case PayloadCustom:
		return fmt.Sprint(p.Custom)
	default:
		return ""
	}
}

// Value returns the payload as a plain Go value, nil for none.
func (p Payload) Value() any {
	switch p.Kind {
	case PayloadText:
		return p.Text
	case PayloadNumber:
		return p.Number
	case PayloadFloat:
		return p.Float
	case PayloadBool:
		return p.Bool
	case PayloadCustom:
		return p.Custom
	default:
		return nil
	}
}

// Event is something that happened: a key press, a timer tick, a plugin notification.
type Event struct {
	ID        uuid.UUID
	Type      EventType
	Name      string
	Source    string
	Payload   Payload
	Timestamp time.Time
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(t EventType, name, source string, payload Payload) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Name:      name,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
