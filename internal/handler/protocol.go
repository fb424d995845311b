package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"frameproxy/internal/protocol"
)

// maxMessageBytes caps a single protocol message submitted for checking.
const maxMessageBytes = 64 << 10

// Protocol returns the event protocol schema shared by the shim and hosts.
func Protocol(c echo.Context) error {
	return jsonResponse(c, http.StatusOK, protocol.Schema())
}

// messageReply is the result of checking one host-relayed message.
type messageReply struct {
	Message json.RawMessage       `json:"message"`
	Popup   *protocol.PopupHandle `json:"popup,omitempty"`
	Command json.RawMessage       `json:"command,omitempty"`
}

// CheckMessage validates a message a host received from a framed page and
// returns its normalized wire form. An OPEN_POPUP event also yields the
// popup handle and the scoped title command the host should send once the
// popup frame loads.
func CheckMessage(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes+1))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid message", "could not read body")
	}
	if len(data) > maxMessageBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid message", "message too large")
	}

	m, err := protocol.Decode(data)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid message", err.Error())
	}
	wire, err := protocol.Encode(m)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid message", err.Error())
	}
	reply := messageReply{Message: wire}

	if m.Type == protocol.ChannelEvent && m.Action == protocol.ActionOpenPopup {
		popup, err := protocol.NewPopupHandle(m)
		if errors.Is(err, protocol.ErrInvalidMessage) {
			return writeError(c, http.StatusBadRequest, "invalid message", err.Error())
		}
		if err != nil {
			return err
		}
		cmd, err := popup.TitleCommand(true)
		if err != nil {
			return err
		}
		if reply.Command, err = protocol.Encode(cmd); err != nil {
			return err
		}
		reply.Popup = popup
	}

	return jsonResponse(c, http.StatusOK, reply)
}
