package models

// TargetKind discriminates the two message scopes.
type TargetKind int

const (
	// TargetDirect addresses a single recipient by username.
	TargetDirect TargetKind = iota + 1
	// TargetGroup addresses every member of a group.
	TargetGroup
)

// Target is the tagged variant for a message destination. A message is
// scoped to exactly one recipient or exactly one group, never both and
// never neither; constructing through DirectTarget/GroupTarget keeps the
// invariant structural.
type Target struct {
	Kind      TargetKind
	Recipient string // username, set iff Kind == TargetDirect
	GroupID   string // group UUID, set iff Kind == TargetGroup
}

// DirectTarget returns a Target addressing a single user.
func DirectTarget(recipient string) Target {
	return Target{Kind: TargetDirect, Recipient: recipient}
}

// GroupTarget returns a Target addressing a group.
func GroupTarget(groupID string) Target {
	return Target{Kind: TargetGroup, GroupID: groupID}
}

// Valid reports whether the target carries exactly one destination.
func (t Target) Valid() bool {
	switch t.Kind {
	case TargetDirect:
		return t.Recipient != "" && t.GroupID == ""
	case TargetGroup:
		return t.GroupID != "" && t.Recipient == ""
	}
	return false
}

// Message is an immutable chat event. Only the Read flag may change after
// creation, and only for direct messages.
type Message struct {
	ID            string `json:"id"` // ULID, lexically ordered by creation
	Sender        string `json:"sender"`
	Target        Target `json:"-"`
	Body          string `json:"message,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Timestamp     int64  `json:"timestamp"` // Unix ms, server-assigned
	Read          bool   `json:"-"`         // meaningful for direct messages only
}

// HasContent reports whether the message carries a body or an audio
// attachment. A message with neither is invalid.
func (m *Message) HasContent() bool {
	return m.Body != "" || m.AudioURL != ""
}
