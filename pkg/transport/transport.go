// Package transport carries the WebSocket wire protocol: it accepts a
// connection, turns incoming JSON text frames into session.ControlMessage
// values and binary frames into raw audio, and drains a session.Connection's outgoing queue back onto the
// socket in order. It owns no decoding or scheduling logic of its own.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-stream/internal/logging"
	"github.com/lokutor-ai/lokutor-stream/pkg/runtime"
	"github.com/lokutor-ai/lokutor-stream/pkg/session"
)

// Server accepts WebSocket connections and wires each one to a fresh
// session.Connection registered with rt.
type Server struct {
	rt     *runtime.Runtime
	log    logging.Logger
	idSeq  func() string
	accept websocket.AcceptOptions
}

// New returns a Server bound to rt. idSeq generates connection IDs — pass
// a uuid-backed generator in production, a deterministic stub in tests.
func New(rt *runtime.Runtime, log logging.Logger, idSeq func() string) *Server {
	return &Server{
		rt:    rt,
		log:   log,
		idSeq: idSeq,
		accept: websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin checking belongs to the HTTP front door, not here
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and drives one connection's
// lifetime to completion. It never returns until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &s.accept)
	if err != nil {
		s.log.Error("websocket accept failed", "err", err)
		return
	}

	connID := s.idSeq()
	sess := s.rt.NewConnection(connID)
	defer s.rt.CloseConnection(connID)

	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	errCh := make(chan error, 2)
	go func() { errCh <- s.writeLoop(ctx, conn, sess) }()
	go func() { errCh <- s.readLoop(ctx, conn, sess) }()

	if err := <-errCh; err != nil && !isNormalClose(err) {
		s.log.Debug("connection ended", "conn", connID, "err", err)
	}
}

// readLoop feeds each frame to the session: a binary frame is raw PCM16
// audio, and a text frame is one JSON control message (audio sent that way
// carries a base64 payload).
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Connection) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			if err := sess.Audio(data, nowMs()); err != nil {
				s.log.Debug("audio frame rejected", "err", err)
			}
			continue
		}

		var msg session.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.HandleControl(session.ControlMessage{Op: "__invalid__"}, nowMs())
			continue
		}

		if err := sess.HandleControl(msg, nowMs()); err != nil {
			s.log.Debug("control message rejected", "op", msg.Op, "err", err)
		}
	}
}

// writeLoop drains the session's outgoing queue onto the socket in order,
// stopping when the channel is closed (session.Close) or ctx is done.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Connection) error {
	for {
		select {
		case msg, ok := <-sess.Outgoing():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func isNormalClose(err error) bool {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusNormalClosure || closeErr.Code == websocket.StatusGoingAway
	}
	return errors.Is(err, context.Canceled) || err.Error() == fmt.Sprintf("%v", context.Canceled)
}
