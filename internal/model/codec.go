package model

// Document is the schemaless shape exchanged with the remote store.
type Document = map[string]any

// MembersOf decodes a group membership value in any of its historical
// shapes: an array of bare ids, an array of {id: ...} objects, or absent.
func MembersOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	members := make([]string, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case string:
			members = append(members, m)
		case map[string]any:
			if id := str(m["id"]); id != "" {
				members = append(members, id)
			}
		}
	}
	return members
}

// HasMember reports whether uid appears in a membership value of either
// legacy shape.
func HasMember(v any, uid string) bool {
	for _, m := range MembersOf(v) {
		if m == uid {
			return true
		}
	}
	return false
}

// ContactFromDoc decodes a roster contact document.
func ContactFromDoc(id string, doc Document) Contact {
	return Contact{
		ID:           id,
		OwnerID:      str(doc["ownerId"]),
		DisplayName:  str(doc["name"]),
		Handle:       str(doc["email"]),
		LinkedUserID: str(doc["userId"]),
		AvatarRef:    str(doc["photoURL"]),
		AddedAt:      i64(doc["addedAt"]),
	}
}

// ToDoc encodes the contact for the remote store.
func (c Contact) ToDoc() Document {
	return Document{
		"ownerId":  c.OwnerID,
		"name":     c.DisplayName,
		"email":    c.Handle,
		"userId":   c.LinkedUserID,
		"photoURL": c.AvatarRef,
		"addedAt":  c.AddedAt,
	}
}

// GroupFromDoc decodes a group document, normalizing membership.
func GroupFromDoc(id string, doc Document) Group {
	return Group{
		ID:        id,
		Name:      str(doc["name"]),
		CreatedBy: str(doc["createdBy"]),
		Members:   MembersOf(doc["members"]),
		Kind:      KindGroup,
		CreatedAt: i64(doc["createdAt"]),
	}
}

// ToDoc encodes the group with bare-id membership, the canonical shape.
func (g Group) ToDoc() Document {
	members := make([]any, len(g.Members))
	for i, m := range g.Members {
		members[i] = m
	}
	return Document{
		"name":      g.Name,
		"createdBy": g.CreatedBy,
		"members":   members,
		"type":      KindGroup,
		"createdAt": g.CreatedAt,
	}
}

// ConversationFromDoc decodes a conversation document.
func ConversationFromDoc(id string, doc Document) Conversation {
	kind := str(doc["type"])
	if kind != KindGroup {
		kind = KindDirect
	}
	return Conversation{
		ID:                 id,
		Kind:               kind,
		ParticipantIDs:     MembersOf(doc["participants"]),
		LastMessageSummary: str(doc["lastMessage"]),
		LastMessageAt:      i64(doc["lastMessageTime"]),
	}
}

// ToDoc encodes the conversation for the remote store.
func (c Conversation) ToDoc() Document {
	participants := make([]any, len(c.ParticipantIDs))
	for i, p := range c.ParticipantIDs {
		participants[i] = p
	}
	return Document{
		"type":            c.Kind,
		"participants":    participants,
		"lastMessage":     c.LastMessageSummary,
		"lastMessageTime": c.LastMessageAt,
	}
}

// MessageFromDoc decodes a message document.
func MessageFromDoc(id string, doc Document) Message {
	kind := str(doc["type"])
	if kind != MessageAudio {
		kind = MessageText
	}
	delivery := str(doc["status"])
	if delivery == "" {
		delivery = DeliverySent
	}
	return Message{
		ID:             id,
		ConversationID: str(doc["chatId"]),
		SenderID:       str(doc["senderId"]),
		SenderName:     str(doc["sender"]),
		Kind:           kind,
		Body:           str(doc["content"]),
		AudioRef:       str(doc["audioUrl"]),
		AudioDuration:  str(doc["duration"]),
		CorrelationID:  str(doc["correlationId"]),
		CreatedAt:      i64(doc["timestamp"]),
		Delivery:       delivery,
	}
}

// ToDoc encodes the message for the remote store.
func (m Message) ToDoc() Document {
	return Document{
		"chatId":        m.ConversationID,
		"senderId":      m.SenderID,
		"sender":        m.SenderName,
		"type":          m.Kind,
		"content":       m.Body,
		"audioUrl":      m.AudioRef,
		"duration":      m.AudioDuration,
		"correlationId": m.CorrelationID,
		"timestamp":     m.CreatedAt,
		"status":        m.Delivery,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// i64 tolerates the numeric types different decoders produce.
func i64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}
