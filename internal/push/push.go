// Package push fans notifications out to the registered devices of a set of
// users over web push, FCM and Expo.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/eventful/internal/model"
)

var (
	// ErrTokenInvalid marks a token the provider will never accept again.
	// Tokens failing with it are pruned.
	ErrTokenInvalid = errors.New("push token invalid")
	// ErrUnavailable marks a failure that may succeed later.
	ErrUnavailable = errors.New("push provider unavailable")
)

// Status is the result of a push attempt for one token.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusTransient Status = "transient"
	StatusPermanent Status = "permanent"
)

// Outcome reports what happened to one device token.
type Outcome struct {
	UserID  model.ID
	Token   string
	Channel model.Channel
	Status  Status
	Err     error
}

// Message is the provider-neutral rendering of a notification.
type Message struct {
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Subtitle string            `json:"subtitle,omitempty"`
	URL      string            `json:"url,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Silent reports whether the message carries no display content.
func (m Message) Silent() bool {
	return m.Title == "" && m.Body == ""
}

// NewMessage renders n. Provider data values must be strings, so the hydrated
// resource is carried JSON-encoded under "data".
func NewMessage(n model.Notification) (Message, error) {
	m := Message{
		Tag: n.Address.String(),
		Data: map[string]string{
			"key":      string(n.Address.Key),
			"refModel": n.Address.RefModel.String(),
			"ref":      string(n.Address.Ref),
		},
	}
	if n.ID != "" {
		m.Data["id"] = string(n.ID)
	}
	if n.Actor != "" {
		m.Data["actor"] = string(n.Actor)
	}
	if g := n.General; g != nil {
		m.Title, m.Body, m.Subtitle, m.URL = g.Title, g.Body, g.Subtitle, g.URL
		if g.URL != "" {
			m.Data["url"] = g.URL
		}
	}
	if n.Data != nil {
		raw, err := json.Marshal(n.Data)
		if err != nil {
			return Message{}, fmt.Errorf("marshal push data: %w", err)
		}
		m.Data["data"] = string(raw)
	}
	return m, nil
}

// Sender delivers one batch, all tokens belonging to one user on one channel.
// It returns one outcome per token. ctx carries the batch deadline.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, tokens []model.DeviceToken, msg Message) []Outcome
}

func outcome(t model.DeviceToken, err error) Outcome {
	o := Outcome{UserID: t.UserID, Token: t.Token, Channel: t.Channel, Status: StatusDelivered}
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenInvalid):
		o.Status, o.Err = StatusPermanent, err
	default:
		o.Status, o.Err = StatusTransient, err
	}
	return o
}

// transientAll marks every token of a batch as transient with err.
func transientAll(tokens []model.DeviceToken, err error) []Outcome {
	out := make([]Outcome, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, Outcome{UserID: t.UserID, Token: t.Token, Channel: t.Channel, Status: StatusTransient, Err: err})
	}
	return out
}
