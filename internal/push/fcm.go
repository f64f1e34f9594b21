package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dukerupert/eventful/internal/model"
)

// FCMSender sends to Android or iOS devices through the FCM HTTP v1 API. One
// sender is built per platform so each gets its own batch and rate limit.
type FCMSender struct {
	channel model.Channel
	parent  string
	svc     *fcm.Service
}

// NewFCMSender creates a sender for channel (android or ios) in projectID.
// Credentials and endpoint come from opts.
func NewFCMSender(ctx context.Context, channel model.Channel, projectID string, opts ...option.ClientOption) (*FCMSender, error) {
	if channel != model.ChannelAndroid && channel != model.ChannelIOS {
		return nil, fmt.Errorf("fcm does not serve channel %q", channel)
	}
	if projectID == "" {
		return nil, errors.New("fcm project id is required")
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fcm service: %w", err)
	}
	return &FCMSender{channel: channel, parent: "projects/" + projectID, svc: svc}, nil
}

func (s *FCMSender) Channel() model.Channel { return s.channel }

func (s *FCMSender) Send(ctx context.Context, tokens []model.DeviceToken, msg Message) []Outcome {
	out := make([]Outcome, 0, len(tokens))
	for _, t := range tokens {
		if ctx.Err() != nil {
			out = append(out, outcome(t, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())))
			continue
		}
		req, err := s.message(t.Token, msg)
		if err != nil {
			out = append(out, outcome(t, err))
			continue
		}
		_, err = s.svc.Projects.Messages.Send(s.parent, req).Context(ctx).Do()
		out = append(out, outcome(t, classifyFCM(err)))
	}
	return out
}

func (s *FCMSender) message(token string, msg Message) (*fcm.SendMessageRequest, error) {
	m := &fcm.Message{
		Token: token,
		Data:  msg.Data,
	}
	if !msg.Silent() {
		m.Notification = &fcm.Notification{Title: msg.Title, Body: msg.Body}
	}

	switch s.channel {
	case model.ChannelAndroid:
		m.Android = &fcm.AndroidConfig{Priority: "HIGH"}
		if msg.Tag != "" && !msg.Silent() {
			m.Android.Notification = &fcm.AndroidNotification{Tag: msg.Tag}
		}
	case model.ChannelIOS:
		aps := map[string]any{}
		if msg.Silent() {
			aps["content-available"] = 1
		} else {
			alert := map[string]string{"title": msg.Title, "body": msg.Body}
			if msg.Subtitle != "" {
				alert["subtitle"] = msg.Subtitle
			}
			aps["alert"] = alert
			aps["sound"] = "default"
			aps["thread-id"] = msg.Tag
		}
		payload, err := json.Marshal(map[string]any{"aps": aps})
		if err != nil {
			return nil, fmt.Errorf("marshal apns payload: %w", err)
		}
		priority := "10"
		if msg.Silent() {
			priority = "5"
		}
		m.Apns = &fcm.ApnsConfig{
			Headers: map[string]string{"apns-priority": priority},
			Payload: googleapi.RawMessage(payload),
		}
	}
	return &fcm.SendMessageRequest{Message: m}, nil
}

// classifyFCM maps an FCM error onto ErrTokenInvalid or ErrUnavailable.
func classifyFCM(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if isInvalidTokenResponse(apiErr) {
		return fmt.Errorf("%w: fcm %d: %s", ErrTokenInvalid, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: fcm %d: %s", ErrUnavailable, apiErr.Code, apiErr.Message)
}

func isInvalidTokenResponse(apiErr *googleapi.Error) bool {
	msg := strings.ToLower(apiErr.Message)
	switch apiErr.Code {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return strings.Contains(msg, "registration token")
	case http.StatusForbidden:
		return strings.Contains(msg, "senderid mismatch") || strings.Contains(msg, "sender id mismatch")
	}
	return false
}
