package gateway

import (
	"context"
	"errors"
	"log"
	"sort"

	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/chat-sync/internal/chatlist"
	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/engine"
	"github.com/huddle/chat-sync/internal/gwproto"
	"github.com/huddle/chat-sync/internal/media"
	"github.com/huddle/chat-sync/internal/model"
	"github.com/huddle/chat-sync/internal/stream"
)

// serveClient owns one connection end to end: session start, chat-list
// push subscription, the blocking read loop, and teardown.
func (s *Server) serveClient(c *conn) {
	defer s.remove(c)
	ctx := context.Background()

	sess, err := s.engine.StartSession(ctx, c.userID)
	if err != nil {
		log.Printf("[gateway] user=%s: session start: %v", c.userID, err)
		s.sendError(c, "session_failed", "could not start session")
		return
	}
	defer sess.Close(ctx)

	sub, err := sess.ChatList.Sync(ctx, c.userID, func(snap chatlist.Snapshot) {
		s.pushChatList(c, snap)
	})
	if err != nil {
		log.Printf("[gateway] user=%s: chat list sync: %v", c.userID, err)
		s.sendError(c, "sync_failed", "could not sync chat list")
		return
	}
	defer sub.Cancel()

	for {
		data, _, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			log.Printf("[gateway] connection closed user=%s: %v", c.userID, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatch(ctx, c, sess, data)
	}
}

// dispatch routes one client frame to the session.
func (s *Server) dispatch(ctx context.Context, c *conn, sess *engine.Session, data []byte) {
	msgType, msg, err := gwproto.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] user=%s: bad frame: %v", c.userID, err)
		s.sendError(c, "bad_message", "unparseable message")
		return
	}

	switch m := msg.(type) {
	case gwproto.OpenConversationMsg:
		conv, err := sess.OpenConversation(ctx, m.ConversationID,
			func(msgs []model.Message) { s.pushFeed(c, m.ConversationID, msgs) },
			func(users map[string]bool) { s.pushTyping(c, users) },
		)
		if err != nil {
			s.sendError(c, openErrorCode(err), "could not open conversation")
			return
		}
		log.Printf("[gateway] user=%s opened conversation %s", c.userID, conv.ID)

	case gwproto.SendMsg:
		var att *media.Attachment
		if m.Attachment != nil {
			att = &media.Attachment{URL: m.Attachment.URL, Kind: m.Attachment.Kind}
		}
		if err := sess.Stream.Send(ctx, m.Text, att); err != nil {
			switch {
			case errors.Is(err, stream.ErrEmptyPayload):
				s.sendNotice(c, "nothing to send")
			case errors.Is(err, stream.ErrNoConversation):
				s.sendError(c, "no_conversation", "open a conversation first")
			default:
				log.Printf("[gateway] user=%s: send: %v", c.userID, err)
				s.sendNotice(c, "message could not be sent")
			}
		}

	case gwproto.TypingMsg:
		sess.Stream.Typing(ctx)

	case gwproto.VisibilityMsg:
		sess.Presence.SetVisible(ctx, m.Visible)

	case gwproto.MarkSeenMsg:
		if err := sess.ChatList.MarkSeen(ctx, c.userID, m.ConversationID); err != nil {
			log.Printf("[gateway] user=%s: mark seen %s: %v", c.userID, m.ConversationID, err)
		}

	case gwproto.PingMsg:
		s.send(c, gwproto.TypePong, gwproto.PongMsg{})

	default:
		s.sendError(c, "bad_message", "unsupported message type "+msgType)
	}
}

func openErrorCode(err error) string {
	switch {
	case docstore.IsNotFound(err):
		return "not_found"
	case errors.Is(err, engine.ErrNotMember):
		return "not_member"
	default:
		return "open_failed"
	}
}

func (s *Server) pushChatList(c *conn, snap chatlist.Snapshot) {
	unread := make([]string, 0, len(snap.Unread))
	for id := range snap.Unread {
		unread = append(unread, id)
	}
	sort.Strings(unread)
	s.send(c, gwproto.TypeChatList, gwproto.ChatListMsg{Entries: snap.List, Unread: unread})
}

func (s *Server) pushFeed(c *conn, convID string, msgs []model.Message) {
	wire := make([]gwproto.WireMessage, len(msgs))
	pending := false
	for i, m := range msgs {
		wire[i] = gwproto.WireMessage{Message: m, Pending: m.Pending}
		pending = pending || m.Pending
	}
	msgType := gwproto.TypeMessages
	if pending {
		msgType = gwproto.TypeMessagePending
	}
	s.send(c, msgType, gwproto.MessagesMsg{ConversationID: convID, Messages: wire})
}

func (s *Server) pushTyping(c *conn, users map[string]bool) {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.send(c, gwproto.TypePeersTyping, gwproto.PeersTypingMsg{Users: ids})
}

func (s *Server) sendNotice(c *conn, text string) {
	s.send(c, gwproto.TypeNotice, gwproto.NoticeMsg{Text: text})
}

func (s *Server) sendError(c *conn, code, message string) {
	s.send(c, gwproto.TypeError, gwproto.ErrorMsg{Code: code, Message: message})
}

func (s *Server) send(c *conn, msgType string, payload interface{}) {
	data, err := gwproto.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", msgType, err)
		return
	}
	if err := c.writeMessage(data); err != nil {
		log.Printf("[gateway] write %s to user=%s: %v", msgType, c.userID, err)
	}
}
