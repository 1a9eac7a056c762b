// Package delivery orchestrates message sends: validate, persist, resolve
// live targets, fan out, notify. Fanout never happens for a message that
// failed to persist.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
)

// persistTimeout bounds how long a send waits on the store, so a slow
// persistence layer cannot stall a session worker indefinitely.
const persistTimeout = 5 * time.Second

// Router coordinates persistence and fanout for all send operations.
type Router struct {
	store store.Store
	reg   *presence.Registry
	log   zerolog.Logger
}

// NewRouter creates a Router over the given store and presence registry.
func NewRouter(s store.Store, reg *presence.Registry, log zerolog.Logger) *Router {
	return &Router{store: s, reg: reg, log: log}
}

// SendDirect persists a direct message and delivers it to the recipient's
// live connection, if any. The sender's own connection always receives an
// echo so every open session of the sender renders the sent message.
// Unknown recipients are silently dropped rather than surfaced to the
// sender; the drop is logged.
func (rt *Router) SendDirect(ctx context.Context, sender, recipient, body string) error {
	if body == "" {
		return apperr.Validation("message body is required")
	}

	user, err := rt.store.GetUserByUsername(ctx, recipient)
	if err != nil {
		return err
	}
	if user == nil {
		rt.log.Debug().Str("sender", sender).Str("recipient", recipient).Msg("dropping message to unknown recipient")
		metrics.MessagesDropped.WithLabelValues("unknown_recipient").Inc()
		return nil
	}

	msg := &models.Message{
		Sender: sender,
		Target: models.DirectTarget(recipient),
		Body:   body,
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := rt.persist(pctx, msg); err != nil {
		return err
	}

	payload := PrivateMessagePayload{
		Sender:    sender,
		Recipient: recipient,
		Message:   body,
		Timestamp: msg.Timestamp,
	}
	if conn, ok := rt.reg.Lookup(recipient); ok {
		conn.Send(EventReceivePrivateMessage, payload)
		conn.Send(EventNewMessageNotification, NotificationPayload{Sender: sender})
	}
	if self, ok := rt.reg.Lookup(sender); ok {
		self.Send(EventReceivePrivateMessage, payload)
	}

	metrics.MessagesSent.WithLabelValues("direct").Inc()
	return nil
}

// SendGroup persists a group message and fans it out to every connection
// subscribed to the group's room. Notifications skip the sender's own
// connection: it already sees the message via the room broadcast. Sends
// from non-members and sends to vanished groups are silently dropped.
func (rt *Router) SendGroup(ctx context.Context, sender, groupID, body string) error {
	if body == "" {
		return apperr.Validation("message body is required")
	}
	gid, err := uuid.Parse(groupID)
	if err != nil {
		return apperr.Validation("invalid group ID")
	}

	group, err := rt.store.GetGroup(ctx, gid)
	if err != nil {
		return err
	}
	if group == nil {
		rt.log.Debug().Str("sender", sender).Str("group_id", groupID).Msg("dropping message to unknown group")
		metrics.MessagesDropped.WithLabelValues("unknown_group").Inc()
		return nil
	}

	msg := &models.Message{
		Sender: sender,
		Target: models.GroupTarget(groupID),
		Body:   body,
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := rt.persist(pctx, msg); err != nil {
		// Membership and existence are re-checked inside the persist
		// transaction; losing the race to a group delete or a membership
		// edit follows the same silent-drop policy as the pre-checks.
		if apperr.IsKind(err, apperr.KindAuthorization) || apperr.IsKind(err, apperr.KindNotFound) {
			rt.log.Debug().Str("sender", sender).Str("group_id", groupID).Msg("dropping group message")
			metrics.MessagesDropped.WithLabelValues("not_member").Inc()
			return nil
		}
		return err
	}

	room := presence.RoomID(groupID)
	rt.reg.Broadcast(room, EventReceiveGroupMessage, GroupMessagePayload{
		Sender:    sender,
		Message:   body,
		Timestamp: msg.Timestamp,
		GroupID:   groupID,
		GroupName: group.Name,
	}, nil)

	var senderConn presence.Conn
	if conn, ok := rt.reg.Lookup(sender); ok {
		senderConn = conn
	}
	rt.reg.Broadcast(room, EventNewMessageNotification, NotificationPayload{
		Sender:    sender,
		GroupID:   groupID,
		GroupName: group.Name,
	}, senderConn)

	metrics.MessagesSent.WithLabelValues("group").Inc()
	return nil
}

// SendAudio persists a voice message (attachment reference plus optional
// transcription) and fans it out with the same discipline as text sends.
// A target carrying neither a recipient nor a group never reaches the
// store.
func (rt *Router) SendAudio(ctx context.Context, sender string, target models.Target, audioURL, transcription string) error {
	if !target.Valid() {
		return apperr.Validation("audio message must target exactly one recipient or group")
	}
	if audioURL == "" {
		return apperr.Validation("audio attachment is required")
	}

	msg := &models.Message{
		Sender:        sender,
		Target:        target,
		AudioURL:      audioURL,
		Transcription: transcription,
	}

	var group *models.Group
	if target.Kind == models.TargetGroup {
		gid, err := uuid.Parse(target.GroupID)
		if err != nil {
			return apperr.Validation("invalid group ID")
		}
		group, err = rt.store.GetGroup(ctx, gid)
		if err != nil {
			return err
		}
		if group == nil {
			metrics.MessagesDropped.WithLabelValues("unknown_group").Inc()
			return nil
		}
	} else {
		user, err := rt.store.GetUserByUsername(ctx, target.Recipient)
		if err != nil {
			return err
		}
		if user == nil {
			metrics.MessagesDropped.WithLabelValues("unknown_recipient").Inc()
			return nil
		}
	}

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := rt.persist(pctx, msg); err != nil {
		if apperr.IsKind(err, apperr.KindAuthorization) || apperr.IsKind(err, apperr.KindNotFound) {
			metrics.MessagesDropped.WithLabelValues("not_member").Inc()
			return nil
		}
		return err
	}

	payload := VoiceMessagePayload{
		Sender:        sender,
		Timestamp:     msg.Timestamp,
		AudioURL:      audioURL,
		Transcription: transcription,
	}

	if target.Kind == models.TargetGroup {
		payload.GroupID = target.GroupID
		payload.GroupName = group.Name
		room := presence.RoomID(target.GroupID)
		rt.reg.Broadcast(room, EventReceiveVoiceMessage, payload, nil)

		var senderConn presence.Conn
		if conn, ok := rt.reg.Lookup(sender); ok {
			senderConn = conn
		}
		rt.reg.Broadcast(room, EventNewMessageNotification, NotificationPayload{
			Sender:    sender,
			GroupID:   target.GroupID,
			GroupName: group.Name,
		}, senderConn)
	} else {
		payload.Recipient = target.Recipient
		if conn, ok := rt.reg.Lookup(target.Recipient); ok {
			conn.Send(EventReceiveVoiceMessage, payload)
			conn.Send(EventNewMessageNotification, NotificationPayload{Sender: sender})
		}
		if self, ok := rt.reg.Lookup(sender); ok {
			self.Send(EventReceiveVoiceMessage, payload)
		}
	}

	metrics.MessagesSent.WithLabelValues("voice").Inc()
	return nil
}

// persist appends the message to the store, timing the write.
func (rt *Router) persist(ctx context.Context, msg *models.Message) (string, error) {
	start := time.Now()
	id, err := rt.store.AppendMessage(ctx, msg)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	return id, err
}

// UnreadSummary returns the unread-count map pushed to a connection at
// session start and served by the unread query endpoint.
func (rt *Router) UnreadSummary(ctx context.Context, username string) (map[string]int, error) {
	return rt.store.UnreadCounts(ctx, username)
}
