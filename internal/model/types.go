package model

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message kinds.
const (
	MessageText  = "text"
	MessageAudio = "audio"
)

// Message delivery states.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Contact is a roster entry owned by a single user. LinkedUserID is set
// when a registered account matches the contact's handle.
type Contact struct {
	ID           string
	OwnerID      string
	DisplayName  string
	Handle       string
	LinkedUserID string
	AvatarRef    string
	AddedAt      int64
}

// Group is a named member set. CreatedBy is always a member.
type Group struct {
	ID        string
	Name      string
	CreatedBy string
	Members   []string
	Kind      string
	CreatedAt int64
}

// Conversation is an addressable message thread, direct or group.
type Conversation struct {
	ID                 string
	Kind               string
	ParticipantIDs     []string
	LastMessageSummary string
	LastMessageAt      int64
}

// Message is a single chat entry. Exactly one of Body/AudioRef is set,
// matching Kind. Immutable once delivered except for Delivery transitions.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Kind           string
	Body           string
	AudioRef       string
	AudioDuration  string
	CorrelationID  string
	CreatedAt      int64
	Delivery       string
}

// User identifies the signed-in account.
type User struct {
	ID          string
	DisplayName string
	Handle      string
	AvatarRef   string
}
