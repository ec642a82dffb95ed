package audiobus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/pkg/session"
)

// wsChannel adapts a coder/websocket connection to the [Channel] interface.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Handler returns the HTTP handler for the /ws/audio endpoint. The client
// identifies itself with either ?session_id= (resume an existing session) or
// ?user_id= (look up or create the user's session).
//
// Frames are UTF-8 JSON objects with a "type" field. The connection closes
// with 1000 on a clean client close and 1011 on server errors.
func (b *Bus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := b.resolveSession(r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, session.ErrNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "session_id", sess.SessionID, "err", err)
			return
		}

		ch := &wsChannel{conn: conn}
		b.Open(sess.SessionID, ch)
		defer b.CloseSession(sess.SessionID)

		b.readLoop(r.Context(), sess.SessionID, conn)
	})
}

// resolveSession maps the request's query parameters to a session.
func (b *Bus) resolveSession(r *http.Request) (session.UserSession, error) {
	q := r.URL.Query()

	if id := q.Get("session_id"); id != "" {
		return b.sessions.Get(r.Context(), id)
	}
	if userID := q.Get("user_id"); userID != "" {
		sess, err := b.sessions.GetByUser(r.Context(), userID)
		if errors.Is(err, session.ErrNotFound) {
			return b.sessions.Create(r.Context(), userID)
		}
		return sess, err
	}
	return session.UserSession{}, errors.New("session_id or user_id query parameter is required")
}

// readLoop pumps inbound frames into HandleMessage until the peer closes or
// the context ends.
func (b *Bus) readLoop(ctx context.Context, sessionID string, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			slog.Warn("websocket read failed", "session_id", sessionID, "err", err)
			_ = conn.Close(websocket.StatusInternalError, "read failure")
			return
		}
		if typ != websocket.MessageText {
			b.sendError(ctx, sessionID, "unknown", "binary frames are not supported")
			continue
		}
		b.HandleMessage(ctx, sessionID, data)
	}
}
