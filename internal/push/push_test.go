package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/eventful/internal/model"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	// Public key should be base64url-encoded, 65 bytes uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}

	// Private key should be base64url-encoded, 32 bytes P-256 scalar
	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(privBytes) != 32 {
		t.Errorf("private key length = %d, want 32", len(privBytes))
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

func TestNewMessage(t *testing.T) {
	n := model.Notification{
		ID:      "n1",
		Address: model.NewAddress(model.KeyPlanEdit, model.RefModelEvents, "e1"),
		Actor:   "alice",
		General: &model.General{Title: "Plan changed", Body: "Dinner moved", URL: "/events/e1"},
		Data:    map[string]any{"name": "Dinner"},
	}
	m, err := NewMessage(n)
	require.NoError(t, err)

	assert.Equal(t, "Plan changed", m.Title)
	assert.Equal(t, "plan:edit/events/e1", m.Tag)
	assert.Equal(t, "plan:edit", m.Data["key"])
	assert.Equal(t, "events", m.Data["refModel"])
	assert.Equal(t, "alice", m.Data["actor"])
	assert.Equal(t, "n1", m.Data["id"])
	assert.JSONEq(t, `{"name":"Dinner"}`, m.Data["data"])
	assert.False(t, m.Silent())

	silent, err := NewMessage(model.Notification{Address: n.Address})
	require.NoError(t, err)
	assert.True(t, silent.Silent())
}

func webSubscription(t *testing.T, endpoint string, user model.ID) model.DeviceToken {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return model.DeviceToken{
		Token:     endpoint,
		Channel:   model.ChannelWeb,
		UserID:    user,
		P256dhKey: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		AuthKey:   base64.RawURLEncoding.EncodeToString(secret),
	}
}

func TestWebPushSender(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid "))
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	s := NewWebPushSender(pub, priv, "ops@example.com", WithWebPushHTTPClient(srv.Client()))
	assert.Equal(t, pub, s.VAPIDPublicKey())

	tokens := []model.DeviceToken{
		webSubscription(t, srv.URL+"/ok", "bob"),
		webSubscription(t, srv.URL+"/gone", "bob"),
		webSubscription(t, srv.URL+"/busy", "bob"),
		{Token: srv.URL + "/nokeys", Channel: model.ChannelWeb, UserID: "bob"},
	}
	out := s.Send(context.Background(), tokens, Message{Title: "hi", Body: "there"})

	require.Len(t, out, 4)
	assert.Equal(t, StatusDelivered, out[0].Status)
	assert.Equal(t, StatusPermanent, out[1].Status)
	assert.ErrorIs(t, out[1].Err, ErrTokenInvalid)
	assert.Equal(t, StatusTransient, out[2].Status)
	assert.ErrorIs(t, out[2].Err, ErrUnavailable)
	assert.Equal(t, StatusPermanent, out[3].Status)
	assert.Equal(t, int32(3), hits.Load(), "subscriptions without keys are never sent")
}

func TestWebPushSenderCancelledContext(t *testing.T) {
	pub, priv, _ := GenerateVAPIDKeys()
	s := NewWebPushSender(pub, priv, "ops@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Send(ctx, []model.DeviceToken{webSubscription(t, "https://push.invalid/x", "bob")}, Message{Title: "x"})
	require.Len(t, out, 1)
	assert.Equal(t, StatusTransient, out[0].Status)
}

func TestWebPayloadShape(t *testing.T) {
	data, err := json.Marshal(webPayload{Title: "t", Body: "b", Tag: "plan:edit/events/e1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"t","body":"b","tag":"plan:edit/events/e1"}`, string(data))
}
