package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/dukerupert/eventful/internal/model"
)

const (
	TypeRoomJoin   = "room:join"
	TypeRoomLeave  = "room:leave"
	TypeEventJoin  = "event:join"
	TypeEventLeave = "event:leave"
)

// ClientMessage is a subscription request sent by a client.
type ClientMessage struct {
	Type     string           `json:"type" validate:"required,oneof=room:join room:leave event:join event:leave"`
	Key      model.TriggerKey `json:"key,omitempty"`
	RefModel model.RefModel   `json:"refModel,omitempty"`
	Ref      model.ID         `json:"ref" validate:"required,max=128"`
}

// Joining reports whether the message subscribes rather than unsubscribes.
func (m ClientMessage) Joining() bool {
	return m.Type == TypeRoomJoin || m.Type == TypeEventJoin
}

// Addresses expands the message into the trigger addresses it names. An
// event message covers every event-scoped key of that event.
func (m ClientMessage) Addresses() ([]model.TriggerAddress, error) {
	switch m.Type {
	case TypeRoomJoin, TypeRoomLeave:
		addr := model.NewAddress(m.Key, m.RefModel, m.Ref)
		if !addr.Valid() {
			return nil, fmt.Errorf("invalid address %s", addr)
		}
		return []model.TriggerAddress{addr}, nil
	case TypeEventJoin, TypeEventLeave:
		keys := model.EventKeys()
		out := make([]model.TriggerAddress, 0, len(keys))
		for _, k := range keys {
			out = append(out, model.NewAddress(k, model.RefModelEvents, m.Ref))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown message type %q", m.Type)
}

// Frame is what a subscribed client receives for a routed change.
type Frame struct {
	Event    model.TriggerKey `json:"event"`
	RefModel model.RefModel   `json:"refModel"`
	Ref      model.ID         `json:"ref"`
	Actor    model.ID         `json:"actor,omitempty"`
	Data     any              `json:"data,omitempty"`
	General  *model.General   `json:"general,omitempty"`
}

// EncodeFrame renders a notification as a text frame.
func EncodeFrame(n model.Notification) ([]byte, error) {
	data, err := json.Marshal(Frame{
		Event:    n.Address.Key,
		RefModel: n.Address.RefModel,
		Ref:      n.Address.Ref,
		Actor:    n.Actor,
		Data:     n.Data,
		General:  n.General,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}
