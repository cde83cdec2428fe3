package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter by namespace
// prefix, e.g. "voice." matches every voice pipeline event.
const (
	KindSessionChanged    = "session.changed"
	KindRosterContacts    = "roster.contacts"
	KindRosterGroups      = "roster.groups"
	KindConvoLatest       = "convo.latest_changed"
	KindMessageUpserted   = "message.upserted"
	KindMessageSendFailed = "message.send_failed"
	KindVoiceState        = "voice.state_changed"
	KindVoiceTick         = "voice.tick"
	KindVoiceError        = "voice.error"
)
