package sms

import (
	"encoding/xml"
	"fmt"
)

// TwiMLContentType is the content type the gateway expects for reply documents.
const TwiMLContentType = "text/xml"

// twimlResponse is the reply document rendered to the gateway: exactly one
// Message instruction per invocation.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// TwiML renders a reply body as a TwiML document with a single Message.
func TwiML(body string) ([]byte, error) {
	doc, err := xml.Marshal(twimlResponse{Message: body})
	if err != nil {
		return nil, fmt.Errorf("failed to render TwiML: %w", err)
	}
	return append([]byte(xml.Header), doc...), nil
}
