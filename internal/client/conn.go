// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const dialHandshakeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Writes are serialized: the controller goroutine and the keepalive
// ticker both send.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, serverURL string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", serverURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) WriteMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
