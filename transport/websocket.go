package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer подключается к мосту, который пробрасывает байты адаптера через WebSocket
type WebSocketDialer struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
	TextFrames    bool // отправлять команды текстовыми сообщениями вместо бинарных
}

func (d WebSocketDialer) String() string { return "websocket " + d.URL }

func (d WebSocketDialer) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &Error{Kind: LinkUnavailable, Op: "dial", Target: d.URL, Err: err}
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, &Error{
			Kind:   LinkUnavailable,
			Op:     "dial",
			Target: d.URL,
			Err:    fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme),
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: d.SkipSSLVerify}
	}

	headers := http.Header{}
	if d.Username != "" && d.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Error{Kind: PermissionDenied, Op: "dial", Target: d.URL, Err: fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)}
		}
		return nil, classify("dial", d.URL, err)
	}

	msgType := websocket.BinaryMessage
	if d.TextFrames {
		msgType = websocket.TextMessage
	}

	logger.Printf("Connected to %s", d)
	return NewConn(&wsStream{conn: conn, msgType: msgType}, d.String()), nil
}

// wsStream представляет WebSocket соединение как поток байтов
type wsStream struct {
	conn      *websocket.Conn
	msgType   int
	buf       []byte
	bufOffset int
}

func (w *wsStream) Read(p []byte) (int, error) {
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(w.msgType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}
