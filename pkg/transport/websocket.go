// Package transport provides the WebSocket connection to the bridge: dialing,
// socket tuning, the read pump, and serialized frame writes.
//
// The bridge speaks plaintext WebSocket on port 80. Frames are text; encrypted
// frames end in a single 0x04 terminator byte which is stripped before the
// frame is handed to the receive handler.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/backkem/xcomfort/pkg/codec"
)

// DefaultPort is the bridge's WebSocket port.
const DefaultPort = 80

// DefaultDialTimeout bounds the WebSocket opening handshake.
const DefaultDialTimeout = 10 * time.Second

// FrameHandler receives each inbound frame with the terminator already
// stripped. It runs on the read pump goroutine and must not block.
type FrameHandler func(frame []byte)

// Config configures a WebSocket connection.
type Config struct {
	// Host is the bridge address, either a bare IP or host:port.
	Host string

	// Handler receives inbound frames. Required.
	Handler FrameHandler

	// OnClose is called exactly once when the read pump exits, with the
	// error that ended it. Not called after an explicit Close().
	OnClose func(err error)

	// DialTimeout bounds the opening handshake (default 10s).
	DialTimeout time.Duration

	// LoggerFactory creates the connection logger. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory
}

// WebSocket is a single connection to the bridge. The zero value is not
// usable; call Dial, then Start once the caller is ready to receive frames.
//
// Writes are serialized internally; the connection is safe for concurrent
// senders but there is intentionally exactly one connection per session.
type WebSocket struct {
	conn    *websocket.Conn
	handler FrameHandler
	onClose func(err error)
	log     logging.LeveledLogger

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the WebSocket to the bridge. The read pump does not run until
// Start is called; the bridge speaks first, so callers finish wiring before
// any frame is delivered.
// Per-message compression is disabled; the bridge firmware does not negotiate
// it. TCP_NODELAY is set so acknowledgements leave without Nagle delay.
func Dial(ctx context.Context, config Config) (*WebSocket, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}
	if config.Host == "" {
		return nil, ErrNoHost
	}

	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}

	host := config.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(DefaultPort))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout:  dialTimeout,
		EnableCompression: false,
	}

	conn, _, err := dialer.DialContext(ctx, "ws://"+host, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", host, err)
	}

	if tc, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: setting TCP_NODELAY: %w", err)
		}
	}

	w := &WebSocket{
		conn:    conn,
		handler: config.Handler,
		onClose: config.OnClose,
		log:     factory.NewLogger("transport-ws"),
		closed:  make(chan struct{}),
	}

	w.log.Debugf("connected to %s", host)
	return w, nil
}

// Start launches the read pump. Safe to call once.
func (w *WebSocket) Start() {
	w.startOnce.Do(func() {
		go w.readPump()
	})
}

// readPump reads frames until the connection dies, stripping the terminator
// byte before dispatching.
func (w *WebSocket) readPump() {
	for {
		_, frame, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				// Local Close(); the peer did not hang up.
			default:
				w.log.Debugf("read pump ended: %v", err)
				if w.onClose != nil {
					w.onClose(err)
				}
			}
			return
		}
		w.handler(codec.StripTerminator(frame))
	}
}

// Send writes one text frame. Callers pass fully encoded frames: plaintext
// JSON during the early handshake, base64 ciphertext with terminator after.
func (w *WebSocket) Send(frame []byte) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Close tears down the connection. The OnClose callback is suppressed;
// callers closing deliberately do not want reconnect scheduling.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.conn.Close()
	})
	return err
}
