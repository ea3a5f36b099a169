package ipc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream presents a websocket as a byte stream. Each Write is sent as one
// binary message; reads drain messages in order.
type wsStream struct {
	ws *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex
}

// NewWebSocketStream adapts ws for use with Initiate or Accept.
func NewWebSocketStream(ws *websocket.Conn) io.ReadWriteCloser {
	return &wsStream{ws: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.cur == nil {
			messageType, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.ws.Close()
}

// DialWebSocket connects to a WebSocketHandler at url and initiates a Conn
// delivering inbound envelopes to local.
func DialWebSocket(ctx context.Context, url string, local Transport, opts ...ConnOption) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return Initiate(NewWebSocketStream(ws), local, opts...)
}

// WebSocketHandler upgrades requests and accepts a Conn on each, delivering
// inbound envelopes to local. accept, if non-nil, receives every accepted
// Conn.
func WebSocketHandler(local Transport, accept func(*Conn), opts ...ConnOption) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("IPC: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn, err := Accept(NewWebSocketStream(ws), local, opts...)
		if err != nil {
			log.Warnw("IPC: websocket handshake failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		log.Infow("IPC: websocket peer connected", "remote", r.RemoteAddr)
		if accept != nil {
			accept(conn)
		}
	})
}
