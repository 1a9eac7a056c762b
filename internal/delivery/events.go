package delivery

// Event names pushed to connections. The wire frame is
// {"event": <name>, "data": <payload>}.
const (
	EventReceivePrivateMessage  = "receive_private_message"
	EventReceiveGroupMessage    = "receive_group_message"
	EventReceiveVoiceMessage    = "receive_voice_message"
	EventNewMessageNotification = "new_message_notification"
	EventUpdateOnlineUsers      = "update_online_users"
	EventUnreadCounts           = "unread_counts"
)

// Inbound event names accepted from connections. Voice messages arrive
// over the HTTP upload endpoint, not the socket.
const (
	EventPrivateMessage = "private_message"
	EventGroupMessage   = "group_message"
)

// PrivateMessagePayload is the body of receive_private_message.
type PrivateMessagePayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// GroupMessagePayload is the body of receive_group_message.
type GroupMessagePayload struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
}

// VoiceMessagePayload is the body of receive_voice_message. GroupID is
// present only for group-scoped voice messages; clients use its presence
// to tell the two scopes apart.
type VoiceMessagePayload struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	AudioURL      string `json:"audio_url"`
	Transcription string `json:"transcription,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	GroupName     string `json:"group_name,omitempty"`
}

// NotificationPayload is the body of new_message_notification.
type NotificationPayload struct {
	Sender    string `json:"sender"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}
