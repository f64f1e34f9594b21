package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dukerupert/eventful/internal/model"
)

const (
	DefaultExpoURL = "https://exp.host/--/api/v2/push/send"
	expoChunkSize  = 100
)

// ExpoSender sends to Expo push tokens through the Expo push API.
type ExpoSender struct {
	url         string
	accessToken string
	httpClient  *http.Client
}

type ExpoOption func(*ExpoSender)

func WithExpoHTTPClient(c *http.Client) ExpoOption {
	return func(s *ExpoSender) {
		s.httpClient = c
	}
}

// WithExpoAccessToken sets the token used when enhanced push security is on.
func WithExpoAccessToken(token string) ExpoOption {
	return func(s *ExpoSender) {
		s.accessToken = token
	}
}

func NewExpoSender(url string, opts ...ExpoOption) *ExpoSender {
	if url == "" {
		url = DefaultExpoURL
	}
	s := &ExpoSender{
		url:        url,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExpoSender) Channel() model.Channel { return model.ChannelExpo }

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Subtitle string            `json:"subtitle,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *ExpoSender) Send(ctx context.Context, tokens []model.DeviceToken, msg Message) []Outcome {
	out := make([]Outcome, 0, len(tokens))
	for start := 0; start < len(tokens); start += expoChunkSize {
		end := min(start+expoChunkSize, len(tokens))
		out = append(out, s.sendChunk(ctx, tokens[start:end], msg)...)
	}
	return out
}

func (s *ExpoSender) sendChunk(ctx context.Context, tokens []model.DeviceToken, msg Message) []Outcome {
	messages := make([]expoMessage, 0, len(tokens))
	for _, t := range tokens {
		m := expoMessage{
			To:       t.Token,
			Title:    msg.Title,
			Subtitle: msg.Subtitle,
			Body:     msg.Body,
			Data:     msg.Data,
			Priority: "high",
		}
		if !msg.Silent() {
			m.Sound = "default"
		}
		messages = append(messages, m)
	}

	body, err := json.Marshal(messages)
	if err != nil {
		return transientAll(tokens, fmt.Errorf("marshal expo messages: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return transientAll(tokens, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transientAll(tokens, fmt.Errorf("%w: send expo: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return transientAll(tokens, fmt.Errorf("%w: expo API error: status %d", ErrUnavailable, resp.StatusCode))
	}

	var decoded expoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return transientAll(tokens, fmt.Errorf("%w: decode expo response: %v", ErrUnavailable, err))
	}
	if len(decoded.Errors) > 0 {
		return transientAll(tokens, fmt.Errorf("%w: expo %s: %s", ErrUnavailable, decoded.Errors[0].Code, decoded.Errors[0].Message))
	}

	out := make([]Outcome, 0, len(tokens))
	for i, t := range tokens {
		if i >= len(decoded.Data) {
			out = append(out, outcome(t, fmt.Errorf("%w: no ticket returned", ErrUnavailable)))
			continue
		}
		out = append(out, outcome(t, ticketError(decoded.Data[i])))
	}
	return out
}

func ticketError(t expoTicket) error {
	if t.Status == "ok" {
		return nil
	}
	if t.Details.Error == "DeviceNotRegistered" {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, t.Message)
	}
	return fmt.Errorf("%w: expo %s: %s", ErrUnavailable, t.Details.Error, t.Message)
}
