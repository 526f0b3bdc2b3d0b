package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brensch/gozero/executor/inference"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Model is an inference.Model backed by a remote Handler. Calls are
// serialised on one connection, which is redialled after any failure.
type Model struct {
	url    string
	dialer websocket.Dialer
	header http.Header

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint32
	closed bool
}

// Dial connects to the handler at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Model, error) {
	m := &Model{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		header: header,
	}
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) connect(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	m.conn = conn
	return nil
}

func (m *Model) Name() string { return "remote:" + m.url }

func (m *Model) Evaluate(ctx context.Context, batch [][]float32) ([]inference.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, inference.ErrClosed
	}
	if m.conn == nil {
		if err := m.connect(ctx); err != nil {
			return nil, err
		}
	}

	m.nextID++
	id := m.nextID
	req, err := encodeRequest(id, batch)
	if err != nil {
		return nil, err
	}

	conn := m.conn
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	results, err := m.roundTrip(conn, id, req)
	if errors.Is(err, ErrRemote) {
		return nil, err
	}
	if err != nil {
		_ = conn.Close()
		m.conn = nil
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("url", m.url).Msg("remote evaluation failed; will redial")
		return nil, err
	}
	if len(results) != len(batch) {
		return nil, fmt.Errorf("remote returned %d results for %d inputs", len(results), len(batch))
	}
	return results, nil
}

func (m *Model) roundTrip(conn *websocket.Conn, id uint32, req []byte) ([]inference.Result, error) {
	if err := conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		gotID, results, err := decodeResponse(msg)
		if gotID != id {
			// Late answer to a request abandoned earlier on this connection.
			continue
		}
		return results, err
	}
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn == nil {
		return nil
	}
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := m.conn.Close()
	m.conn = nil
	return err
}
