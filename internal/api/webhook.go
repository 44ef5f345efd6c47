package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/slabstack/payintake/internal/models"
)

// retryReply is the fallback reply when the flow could not be run at all for
// this delivery (dedup bookkeeping failed, or a duplicate arrived before the
// first delivery finished processing).
const retryReply = "Sorry, we couldn't process your message just now. Please resend it in a few minutes."

// smsWebhookHandler handles inbound SMS gateway webhook requests. Every
// invocation with a sender returns a TwiML document carrying exactly one
// reply message.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.smsWebhookHandler: failed to parse webhook form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}

	msg := models.InboundMessage{
		MessageSid: r.FormValue("MessageSid"),
		From:       r.FormValue("From"),
		Body:       r.FormValue("Body"),
		Time:       time.Now().Unix(),
	}

	if msg.From == "" {
		slog.Warn("Server.smsWebhookHandler: missing From field", "message_sid", msg.MessageSid)
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "Missing From"})
		return
	}
	slog.Info("Server.smsWebhookHandler: inbound message", "from", msg.From, "message_sid", msg.MessageSid, "body_length", len(msg.Body))

	// Deduplicate gateway redeliveries on the message SID: a duplicate is
	// answered with the originally rendered reply without re-running the flow.
	if msg.MessageSid != "" {
		fresh, err := s.store.RecordInbound(msg.MessageSid, msg.From)
		if err != nil {
			slog.Error("Server.smsWebhookHandler: dedup record failed", "error", err, "message_sid", msg.MessageSid)
			writeTwiML(w, retryReply)
			return
		}
		if !fresh {
			stored, ok, err := s.store.GetInboundReply(msg.MessageSid)
			if err != nil {
				slog.Error("Server.smsWebhookHandler: stored reply lookup failed", "error", err, "message_sid", msg.MessageSid)
			}
			if ok {
				slog.Info("Server.smsWebhookHandler: duplicate delivery, replaying reply", "message_sid", msg.MessageSid)
				writeTwiML(w, stored)
				return
			}
			// Duplicate raced the original delivery; ask the sender to retry
			// rather than running the flow twice.
			slog.Warn("Server.smsWebhookHandler: duplicate delivery before processing finished", "message_sid", msg.MessageSid)
			writeTwiML(w, retryReply)
			return
		}
	}

	reply, err := s.engine.HandleInbound(r.Context(), msg.From, msg.Body)
	if err != nil {
		if errors.Is(err, models.ErrMissingSender) {
			writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "Missing From"})
			return
		}
		// The engine always pairs an error with a retry-safe reply; log and
		// fall through to deliver it.
		slog.Error("Server.smsWebhookHandler: engine error", "error", err, "from", msg.From)
		if reply == "" {
			reply = retryReply
		}
	}

	if msg.MessageSid != "" {
		if err := s.store.SaveInboundReply(msg.MessageSid, reply); err != nil {
			slog.Error("Server.smsWebhookHandler: failed to store reply for dedup", "error", err, "message_sid", msg.MessageSid)
		}
	}

	writeTwiML(w, reply)
}
