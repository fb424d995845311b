// Package protocol defines the messages exchanged between a proxied page's
// runtime shim and the embedding host.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version carried in every message.
const Version = 1

// ErrInvalidMessage is returned for messages that do not match the schema.
var ErrInvalidMessage = errors.New("invalid protocol message")

// Channel tags the direction of a message.
type Channel string

const (
	// ChannelEvent carries page -> host notifications.
	ChannelEvent Channel = "PROXY_EVENT"
	// ChannelCommand carries host -> page requests.
	ChannelCommand Channel = "PROXY_COMMAND"
)

// Action is the message tag within a channel.
type Action string

// Events.
const (
	ActionNavigate     Action = "NAVIGATE"
	ActionOpenPopup    Action = "OPEN_POPUP"
	ActionLoadingState Action = "LOADING_STATE"
	ActionPageTitle    Action = "PAGE_TITLE"
	ActionError        Action = "ERROR"
	ActionFavicon      Action = "FAVICON"
	ActionDebug        Action = "DEBUG"
)

// Commands.
const (
	ActionGetTitle           Action = "GET_TITLE"
	ActionGetTitleAndFavicon Action = "GET_TITLE_AND_FAVICON"
	ActionToggleMute         Action = "TOGGLE_MUTE"
	ActionClearBrowsingData  Action = "CLEAR_BROWSING_DATA"
)

// Message is the tagged union sent over window messaging.
type Message struct {
	Type          Channel         `json:"type"`
	Version       int             `json:"v"`
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

type NavigatePayload struct {
	URL string `json:"url"`
}

type OpenPopupPayload struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type LoadingStatePayload struct {
	IsLoading bool `json:"isLoading"`
}

type PageTitlePayload struct {
	Title   string `json:"title"`
	PopupID string `json:"popupId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type FaviconPayload struct {
	Favicon string `json:"favicon"`
	PopupID string `json:"popupId,omitempty"`
}

type DebugPayload struct {
	Message string `json:"message"`
}

// GetTitlePayload is shared by GET_TITLE and GET_TITLE_AND_FAVICON.
type GetTitlePayload struct {
	PopupID string `json:"popupId,omitempty"`
}

type ToggleMutePayload struct {
	Value bool `json:"value"`
}

type ClearBrowsingDataPayload struct{}

// New builds a validated message carrying payload.
func New(channel Channel, action Action, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", action, err)
	}
	m := &Message{Type: channel, Version: Version, Action: action, Payload: raw}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode validates m and returns its wire form.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidMessage, m.Action, err)
	}
	return nil
}

// Validate checks m against the schema: known channel, matching version,
// an action defined for that channel, and a payload object whose declared
// fields have the declared types. Unknown payload fields are ignored.
func (m *Message) Validate() error {
	if m.Type != ChannelEvent && m.Type != ChannelCommand {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, m.Type)
	}
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, m.Version)
	}

	spec, ok := actions[m.Action]
	if !ok || spec.Channel != m.Type {
		return fmt.Errorf("%w: action %q not defined on %s", ErrInvalidMessage, m.Action, m.Type)
	}

	payload := bytes.TrimSpace(m.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: %s payload must be an object", ErrInvalidMessage, m.Action)
	}

	for _, f := range spec.Fields {
		raw, present := fields[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("%w: %s missing %q", ErrInvalidMessage, m.Action, f.Name)
			}
			continue
		}
		if !f.Type.matches(raw) {
			return fmt.Errorf("%w: %s field %q must be a %s", ErrInvalidMessage, m.Action, f.Name, f.Type)
		}
	}
	return nil
}
