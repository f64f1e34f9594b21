package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/eventful/internal/auth"
)

// Verifier authenticates the token a client connects with.
type Verifier interface {
	Verify(token string) (auth.AuthContext, error)
}

// HandlerOptions configures HandleWebSocket.
type HandlerOptions struct {
	// OriginPatterns restricts cross-origin upgrades. Empty allows any origin.
	OriginPatterns []string
	// AllowAnonymous accepts connections without a token as sessions with no
	// user.
	AllowAnonymous bool
}

// HandleWebSocket returns an HTTP handler that authenticates the caller,
// upgrades the connection and runs it as a Hub client. The token is read from
// the Authorization header or the "token" query parameter.
func HandleWebSocket(hub *Hub, verifier Verifier, authz Authorizer, logger *slog.Logger, opts HandlerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		var ac auth.AuthContext
		if token != "" {
			var err error
			ac, err = verifier.Verify(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		} else if !opts.AllowAnonymous {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: len(opts.OriginPatterns) == 0,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		defer conn.CloseNow()

		client := NewClient(hub, conn, ac.UserID, authz, logger)
		client.Run(r.Context())
	}
}
