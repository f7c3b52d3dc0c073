// Package wsconn adapts a gorilla/websocket connection to
// transport.Transport.
//
// Frames travel as text messages. A single read goroutine delivers open,
// messages and errors, and finally close with the code and reason carried
// by the peer's close frame. Close performs the WebSocket closing
// handshake, so both peers observe the same code and reason.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/connmux/pkg/transport"
)

// Conn is a transport.Transport over a WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	config *Config
	logger *slog.Logger

	writeMu sync.Mutex

	open      atomic.Bool
	closing   atomic.Bool
	listening atomic.Bool

	// Close code and reason requested locally, used when the peer never
	// echoes the close frame.
	localMu     sync.Mutex
	localCode   int
	localReason string

	done chan struct{}

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

// New wraps an established WebSocket connection. The connection is open
// immediately; reading starts on Listen.
func New(ws *websocket.Conn, config *Config) *Conn {
	config = config.withDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "wsconn")
	}

	c := &Conn{
		ws:     ws,
		config: config,
		logger: logger.With("remote_addr", ws.RemoteAddr().String()),
		done:   make(chan struct{}),
	}
	c.open.Store(true)
	ws.SetReadLimit(config.MaxMessageSize)
	return c
}

// Dial opens a WebSocket connection to url and wraps it.
func Dial(ctx context.Context, url string, header http.Header, config *Config) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	return New(ws, config), nil
}

// Listen implements transport.Transport.
func (c *Conn) Listen(l transport.Listener) error {
	if !c.listening.CompareAndSwap(false, true) {
		return transport.ErrListening
	}

	go c.readLoop(l)
	if c.config.PingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

// Send implements transport.Transport.
func (c *Conn) Send(data []byte) error {
	if !c.open.Load() {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// IsOpen implements transport.Transport.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Close implements transport.Transport. It sends a close frame and returns;
// the listener receives close once the peer answers or CloseGrace passes.
func (c *Conn) Close(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.open.Store(false)

	c.localMu.Lock()
	c.localCode, c.localReason = code, reason
	c.localMu.Unlock()

	msg := websocket.FormatCloseMessage(wireCloseCode(code), reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteTimeout))

	if !c.listening.Load() {
		c.ws.Close()
		return nil
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(c.config.CloseGrace):
			c.logger.Debug("close echo timeout, dropping connection")
			c.ws.Close()
		}
	}()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.ws.Close()
		return fmt.Errorf("wsconn: close: %w", err)
	}
	return nil
}

// Done is closed after the listener received close.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// BytesSent returns the number of message bytes written.
func (c *Conn) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of message bytes read.
func (c *Conn) BytesReceived() uint64 {
	return c.bytesRecv.Load()
}

func (c *Conn) readLoop(l transport.Listener) {
	defer close(c.done)

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	l.HandleOpen()

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := c.closeStatus(err)

			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					c.logger.Info("peer closed", "code", ce.Code, "reason", ce.Text)
				}
			case !c.closing.Load():
				c.logger.Error("read error", "error", err)
				l.HandleError(err)
			}

			c.open.Store(false)
			c.closing.Store(true)
			c.ws.Close()
			l.HandleClose(code, reason)
			return
		}

		c.bytesRecv.Add(uint64(len(msg)))
		l.HandleMessage(msg)
	}
}

// closeStatus picks the close code and reason reported to the listener.
// A locally requested close wins, since the peer's echo carries no reason.
func (c *Conn) closeStatus(err error) (int, string) {
	c.localMu.Lock()
	code, reason := c.localCode, c.localReason
	c.localMu.Unlock()
	if code != 0 {
		return code, reason
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return transport.CloseAbnormal, ""
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			if err != nil {
				c.logger.Debug("ping error", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// wireCloseCode maps codes that may not appear in a close frame.
func wireCloseCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseNormalClosure
	}
	if code < 1000 || code > 4999 {
		return websocket.CloseNormalClosure
	}
	return code
}
