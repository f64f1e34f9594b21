package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/eventful/internal/model"
)

// WebPushSender sends to browser push subscriptions using VAPID.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	client     webpush.HTTPClient
}

// WebPushOption configures a WebPushSender.
type WebPushOption func(*WebPushSender)

// WithWebPushHTTPClient overrides the HTTP client (for testing).
func WithWebPushHTTPClient(c webpush.HTTPClient) WebPushOption {
	return func(s *WebPushSender) { s.client = c }
}

// WithWebPushTTL sets how long the push service keeps an undelivered message.
func WithWebPushTTL(seconds int) WebPushOption {
	return func(s *WebPushSender) { s.ttl = seconds }
}

// NewWebPushSender creates a sender with VAPID keys.
func NewWebPushSender(publicKey, privateKey, subscriber string, opts ...WebPushOption) *WebPushSender {
	s := &WebPushSender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        86400,
		client:     &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *WebPushSender) Channel() model.Channel { return model.ChannelWeb }

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *WebPushSender) VAPIDPublicKey() string {
	return s.publicKey
}

type webPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	URL   string            `json:"url,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

func (s *WebPushSender) Send(ctx context.Context, tokens []model.DeviceToken, msg Message) []Outcome {
	data, err := json.Marshal(webPayload{Title: msg.Title, Body: msg.Body, URL: msg.URL, Tag: msg.Tag, Data: msg.Data})
	if err != nil {
		return transientAll(tokens, fmt.Errorf("marshal payload: %w", err))
	}

	out := make([]Outcome, 0, len(tokens))
	for _, t := range tokens {
		if ctx.Err() != nil {
			out = append(out, outcome(t, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())))
			continue
		}
		out = append(out, outcome(t, s.sendOne(ctx, t, data)))
	}
	return out
}

func (s *WebPushSender) sendOne(ctx context.Context, t model.DeviceToken, data []byte) error {
	if t.P256dhKey == "" || t.AuthKey == "" {
		return fmt.Errorf("%w: subscription keys missing", ErrTokenInvalid)
	}
	urgency := webpush.UrgencyNormal
	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: t.Token,
		Keys: webpush.Keys{
			P256dh: t.P256dhKey,
			Auth:   t.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
		Urgency:         urgency,
	})
	if err != nil {
		return fmt.Errorf("%w: send push: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: push service returned %d", ErrTokenInvalid, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: push service returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// GenerateVAPIDKeys generates a new P-256 key pair for VAPID, encoded the way
// browsers and webpush expect.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
