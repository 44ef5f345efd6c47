// Package api provides HTTP response utilities for payintake.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/sms"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures.
var (
	fallbackErrorResponse []byte
	fallbackTwiML         []byte
)

// init validates that our fallback responses can be marshaled.
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	fallbackTwiML, err = sms.TwiML("Sorry, something went wrong. Please try again later.")
	if err != nil {
		panic(fmt.Sprintf("Failed to render fallback TwiML at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeTwiML writes a reply body as a TwiML document. The gateway contract is
// one Message instruction per invocation, always with content type text/xml.
func writeTwiML(w http.ResponseWriter, body string) {
	doc, err := sms.TwiML(body)
	if err != nil {
		slog.Error("Server.writeTwiML: failed to render TwiML", "error", err)
		doc = fallbackTwiML
	}

	w.Header().Set("Content-Type", sms.TwiMLContentType)
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write(doc); writeErr != nil {
		slog.Error("Server.writeTwiML: failed to write TwiML response", "error", writeErr)
	}
}
