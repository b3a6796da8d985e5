// Package wsfeed reads JSON quotes from a venue websocket. Conn is also used
// by other adapters that consume websocket push channels.
package wsfeed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Conn is one websocket connection with keepalive. Inbound messages are
// delivered on Messages until the connection breaks; Err then reports why.
// Conn never reconnects; callers dial again.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	msgs    chan []byte
	done    chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to url with optional headers and starts the read and ping
// loops.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: connect %s: %w", url, err)
	}
	c := &Conn{
		ws:   ws,
		msgs: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// WriteJSON sends v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("wsfeed: write: %w", err)
	}
	return nil
}

// Messages returns inbound frames. It is closed when the connection ends.
func (c *Conn) Messages() <-chan []byte { return c.msgs }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.msgs)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.setErr(domain.ErrWSDisconnect)
			default:
				c.setErr(fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err))
			}
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			c.setErr(domain.ErrWSDisconnect)
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
