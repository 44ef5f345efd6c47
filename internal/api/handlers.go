// Package api provides HTTP handlers for payintake endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slabstack/payintake/internal/intake"
	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/sms"
)

// paymentRequestPayload is the body for initiating an intake conversation.
type paymentRequestPayload struct {
	PaymentApplicationID string `json:"payment_application_id"`
}

// createPaymentRequestHandler initiates the SMS intake for a payment
// application: snapshots the contract's line items, creates the conversation,
// and texts the contractor the invite.
func (s *Server) createPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createPaymentRequestHandler: processing request")

	var payload paymentRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.createPaymentRequestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.PaymentApplicationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("payment_application_id is required"))
		return
	}

	conv, err := s.engine.StartConversation(r.Context(), payload.PaymentApplicationID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrActiveConversationExists):
			slog.Warn("Server.createPaymentRequestHandler: active conversation exists", "application_id", payload.PaymentApplicationID)
			writeJSONResponse(w, http.StatusConflict, models.Error("An active conversation already exists for this contractor"))
		case errors.Is(err, models.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Payment application not found"))
		default:
			slog.Error("Server.createPaymentRequestHandler: failed to start conversation", "error", err, "application_id", payload.PaymentApplicationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		}
		return
	}

	if err := s.sender.SendMessage(r.Context(), conv.Phone, intake.InviteMessage); err != nil {
		slog.Error("Server.createPaymentRequestHandler: failed to send invite", "error", err, "phone", conv.Phone)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Conversation created but the invite text failed to send"))
		return
	}

	slog.Info("Server.createPaymentRequestHandler: payment request initiated",
		"conversation_id", conv.ID, "application_id", payload.PaymentApplicationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Payment request sent", conv))
}

// getConversationHandler returns a phone's active conversation for dashboard use.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := sms.CanonicalizePhone(chi.URLParam(r, "phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	conv, err := s.store.FindActiveConversation(phone)
	if err != nil {
		slog.Error("Server.getConversationHandler: lookup failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// applicationView bundles a payment application with its progress rows.
type applicationView struct {
	Application *models.PaymentApplication `json:"application"`
	Progress    []models.LineItemProgress  `json:"progress"`
}

// getPaymentApplicationHandler returns an application and its line-item progress.
func (s *Server) getPaymentApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	app, err := s.store.GetPaymentApplication(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Payment application not found"))
			return
		}
		slog.Error("Server.getPaymentApplicationHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load payment application"))
		return
	}

	rows, err := s.store.ListLineItemProgress(id)
	if err != nil {
		slog.Error("Server.getPaymentApplicationHandler: progress lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load progress"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(applicationView{Application: app, Progress: rows}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
