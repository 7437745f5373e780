package whatsapp

import (
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
)

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.setState(StateConnected)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: connection established")

	case *events.Disconnected:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("whatsapp: connection lost, auto-reconnect pending")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.setState(StateLoggedOut)
		w.logger.Error("whatsapp: logged out from phone, pairing required", "reason", evt.Reason.String())

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("whatsapp: session opened elsewhere, this connection was replaced")

	case *events.PairSuccess:
		w.logger.Info("whatsapp: paired", "jid", evt.ID.String(), "platform", evt.Platform)
	}
}

// handleMessageEvt converts a text message event into an IncomingMessage.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	w.emitMessage(&channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      evt.Info.Sender.ToNonAD().String(),
		FromName:  evt.Info.PushName,
		Username:  evt.Info.Sender.User,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		Content:   text,
		Timestamp: evt.Info.Timestamp,
	})
}

// extractText returns the text of a plain, extended or captioned message.
func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption()
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

// parseJID converts "5511999999999", "5511999999999@s.whatsapp.net" or a
// group id like "123456789-1234@g.us" to a JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
