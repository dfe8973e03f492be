package node

import "time"

type EventType string

const (
	EventConnChange     EventType = "conn_change"
	EventHandshake      EventType = "handshake"
	EventInit           EventType = "init"
	EventInitDynamic    EventType = "init_dynamic"
	EventInvoke         EventType = "invoke"
	EventInvokeReply    EventType = "invoke_reply"
	EventPropertyChange EventType = "property_change"
	EventObjectList     EventType = "object_list"
	EventAddObject      EventType = "add_object"
	EventRemoveObject   EventType = "remove_object"
	EventDispatchMiss   EventType = "dispatch_miss"
	EventWarn           EventType = "warn"

	EventHB     EventType = "hb"
	EventHealth EventType = "health"
)

type Event struct {
	Time   time.Time
	Node   string
	Type   EventType
	Fields map[string]any
}
