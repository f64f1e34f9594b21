package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dukerupert/eventful/internal/model"
)

type fakeFCM struct {
	mu       sync.Mutex
	requests []fcm.SendMessageRequest
	paths    []string
}

func (f *fakeFCM) handler(w http.ResponseWriter, r *http.Request) {
	var req fcm.SendMessageRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch req.Message.Token {
	case "unregistered":
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
	case "malformed":
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"The registration token is not a valid FCM registration token","status":"INVALID_ARGUMENT"}}`))
	case "quota":
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded.","status":"RESOURCE_EXHAUSTED"}}`))
	default:
		w.Write([]byte(`{"name":"projects/demo/messages/1"}`))
	}
}

func newFCMTestSender(t *testing.T, channel model.Channel) (*FCMSender, *fakeFCM) {
	t.Helper()
	fake := &fakeFCM{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	s, err := NewFCMSender(context.Background(), channel, "demo",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return s, fake
}

func TestFCMSenderOutcomes(t *testing.T) {
	s, fake := newFCMTestSender(t, model.ChannelAndroid)

	tokens := []model.DeviceToken{
		{Token: "good", Channel: model.ChannelAndroid, UserID: "bob"},
		{Token: "unregistered", Channel: model.ChannelAndroid, UserID: "bob"},
		{Token: "malformed", Channel: model.ChannelAndroid, UserID: "bob"},
		{Token: "quota", Channel: model.ChannelAndroid, UserID: "bob"},
	}
	out := s.Send(context.Background(), tokens, Message{Title: "hi", Body: "there", Tag: "plan:edit/events/e1", Data: map[string]string{"key": "plan:edit"}})

	require.Len(t, out, 4)
	assert.Equal(t, StatusDelivered, out[0].Status)
	assert.Equal(t, StatusPermanent, out[1].Status)
	assert.Equal(t, StatusPermanent, out[2].Status)
	assert.Equal(t, StatusTransient, out[3].Status)

	require.Len(t, fake.requests, 4)
	assert.Equal(t, "/v1/projects/demo/messages:send", fake.paths[0])
	first := fake.requests[0].Message
	assert.Equal(t, "hi", first.Notification.Title)
	assert.Equal(t, "HIGH", first.Android.Priority)
	assert.Equal(t, "plan:edit", first.Data["key"])
}

func TestFCMSenderIOSPayload(t *testing.T) {
	s, fake := newFCMTestSender(t, model.ChannelIOS)

	out := s.Send(context.Background(),
		[]model.DeviceToken{{Token: "good", Channel: model.ChannelIOS, UserID: "bob"}},
		Message{Title: "hi", Body: "there", Subtitle: "sub"})
	require.Len(t, out, 1)
	assert.Equal(t, StatusDelivered, out[0].Status)

	apns := fake.requests[0].Message.Apns
	require.NotNil(t, apns)
	assert.Equal(t, "10", apns.Headers["apns-priority"])
	assert.True(t, strings.Contains(string(apns.Payload), `"subtitle":"sub"`))
}

func TestFCMSenderRejectsChannel(t *testing.T) {
	_, err := NewFCMSender(context.Background(), model.ChannelWeb, "demo", option.WithoutAuthentication())
	assert.Error(t, err)
}

func TestClassifyFCM(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&googleapi.Error{Code: 404}, ErrTokenInvalid},
		{&googleapi.Error{Code: 403, Message: "SenderId mismatch"}, ErrTokenInvalid},
		{&googleapi.Error{Code: 403, Message: "Permission denied"}, ErrUnavailable},
		{&googleapi.Error{Code: 400, Message: "Invalid JSON payload"}, ErrUnavailable},
		{&googleapi.Error{Code: 503}, ErrUnavailable},
		{context.DeadlineExceeded, ErrUnavailable},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, classifyFCM(tt.err), tt.want, "%v", tt.err)
	}
	assert.NoError(t, classifyFCM(nil))
}
