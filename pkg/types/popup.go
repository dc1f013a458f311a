package types

import "encoding/json"

// Popup control messages.
const (
	PopupReadyForRequest = "popupReadyForRequest"
	PopupUnload          = "popupUnload"
)

// PopupRequest is posted to the popup window.
type PopupRequest struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

// PopupReplyContent correlates a reply to the request it answers.
type PopupReplyContent struct {
	RequestID string          `json:"requestId,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Failure   json.RawMessage `json:"failure,omitempty"`
}

// PopupInbound is any message received from the popup: either a control
// message ({message}) or a correlated reply ({id, content}).
type PopupInbound struct {
	Message string             `json:"message,omitempty"`
	ID      string             `json:"id,omitempty"`
	Content *PopupReplyContent `json:"content,omitempty"`
}

// CorrelationID returns the request id this reply answers.
func (m *PopupInbound) CorrelationID() string {
	if m.Content != nil && m.Content.RequestID != "" {
		return m.Content.RequestID
	}
	return m.ID
}
