package protocol

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// PopupHandle is the host-side record of a popup requested by a page.
type PopupHandle struct {
	ID        string `json:"id"`
	TargetURL string `json:"targetUrl"`
	Title     string `json:"title"`
}

// NewPopupHandle creates a handle from an OPEN_POPUP event. The correlation
// id becomes the handle id when present so scoped replies can be routed back.
func NewPopupHandle(m *Message) (*PopupHandle, error) {
	if m.Type != ChannelEvent || m.Action != ActionOpenPopup {
		return nil, fmt.Errorf("%w: expected %s event, got %s %s", ErrInvalidMessage, ActionOpenPopup, m.Type, m.Action)
	}

	var p OpenPopupPayload
	if err := m.DecodePayload(&p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: popup url %q is not absolute", ErrInvalidMessage, p.URL)
	}

	id := m.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	return &PopupHandle{ID: id, TargetURL: u.String(), Title: p.Title}, nil
}

// TitleCommand builds the GET_TITLE command scoped to this popup.
func (h *PopupHandle) TitleCommand(withFavicon bool) (*Message, error) {
	action := ActionGetTitle
	if withFavicon {
		action = ActionGetTitleAndFavicon
	}
	m, err := New(ChannelCommand, action, GetTitlePayload{PopupID: h.ID})
	if err != nil {
		return nil, err
	}
	m.CorrelationID = h.ID
	return m, nil
}
