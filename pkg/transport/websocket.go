// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
)

// WebSocketDialer connects to a websocket relay that forwards the bus
// bytes as binary messages
type WebSocketDialer struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

func (d *WebSocketDialer) String() string {
	return d.URL
}

// Dial performs the handshake with HTTP Basic auth when a username is set
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, dialError("websocket", fmt.Errorf("invalid URL: %w", err))
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, dialError("websocket", fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: d.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if d.Username != "" && d.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, dialError("websocket", err)
	}

	w := &wsConn{
		conn:     conn,
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go w.readLoop()
	return Wrap(w, "websocket"), nil
}

// wsConn turns binary messages into a byte stream. A websocket read that
// hits its deadline leaves the connection unusable, so messages are read
// by a goroutine and the deadline is applied to the channel instead.
type wsConn struct {
	conn     *websocket.Conn
	messages chan []byte
	done     chan struct{}

	buf      []byte
	deadline time.Time

	mu        sync.Mutex
	readErr   error
	closeOnce sync.Once
}

func (w *wsConn) readLoop() {
	defer close(w.messages)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			return
		}
		// Text frames are relay chatter, not bus traffic
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.messages <- data:
		case <-w.done:
			return
		}
	}
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	w.deadline = t
	return nil
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	if !w.deadline.IsZero() {
		wait := time.Until(w.deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data, ok := <-w.messages:
		if !ok {
			return 0, w.err()
		}
		n := copy(p, data)
		w.buf = data[n:]
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-w.done:
		return 0, ErrClosed
	}
}

func (w *wsConn) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readErr == nil {
		return ErrClosed
	}
	return w.readErr
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}
