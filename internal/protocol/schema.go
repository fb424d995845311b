package protocol

import (
	"bytes"
	"encoding/json"
	"slices"
)

// FieldType is the JSON type of a payload field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
)

func (t FieldType) matches(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch t {
	case TypeString:
		return len(raw) > 0 && raw[0] == '"'
	case TypeBoolean:
		return bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false"))
	}
	return false
}

// Field describes one payload field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// ActionSpec describes the payload of one action.
type ActionSpec struct {
	Channel Channel `json:"channel"`
	Fields  []Field `json:"fields"`
}

// SchemaDoc is the machine-readable description of the protocol.
type SchemaDoc struct {
	Version  int                   `json:"version"`
	Channels map[Channel][]Action  `json:"channels"`
	Actions  map[Action]ActionSpec `json:"actions"`
}

func required(name string, t FieldType) Field { return Field{Name: name, Type: t, Required: true} }
func optional(name string, t FieldType) Field { return Field{Name: name, Type: t} }

var actions = map[Action]ActionSpec{
	ActionNavigate:     {ChannelEvent, []Field{required("url", TypeString)}},
	ActionOpenPopup:    {ChannelEvent, []Field{required("url", TypeString), optional("title", TypeString)}},
	ActionLoadingState: {ChannelEvent, []Field{required("isLoading", TypeBoolean)}},
	ActionPageTitle:    {ChannelEvent, []Field{required("title", TypeString), optional("popupId", TypeString)}},
	ActionError:        {ChannelEvent, []Field{required("message", TypeString)}},
	ActionFavicon:      {ChannelEvent, []Field{required("favicon", TypeString), optional("popupId", TypeString)}},
	ActionDebug:        {ChannelEvent, []Field{required("message", TypeString)}},

	ActionGetTitle:           {ChannelCommand, []Field{optional("popupId", TypeString)}},
	ActionGetTitleAndFavicon: {ChannelCommand, []Field{optional("popupId", TypeString)}},
	ActionToggleMute:         {ChannelCommand, []Field{required("value", TypeBoolean)}},
	ActionClearBrowsingData:  {ChannelCommand, []Field{}},
}

// Schema returns a copy of the protocol schema.
func Schema() SchemaDoc {
	doc := SchemaDoc{
		Version:  Version,
		Channels: map[Channel][]Action{},
		Actions:  make(map[Action]ActionSpec, len(actions)),
	}
	for name, spec := range actions {
		doc.Actions[name] = ActionSpec{Channel: spec.Channel, Fields: slices.Clone(spec.Fields)}
		doc.Channels[spec.Channel] = append(doc.Channels[spec.Channel], name)
	}
	for _, list := range doc.Channels {
		slices.Sort(list)
	}
	return doc
}
