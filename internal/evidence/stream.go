package evidence

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/exam"
	"proctord/internal/logging"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("evidence: stream sink closed")

// AudioSink receives audio segments instead of the HTTP audio endpoint.
type AudioSink interface {
	Send(ctx context.Context, segment []byte) error
	Close() error
}

// StreamSinkConfig configures a StreamSink.
type StreamSinkConfig struct {
	URL          string
	Token        string
	Session      exam.Context
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// StreamSink sends each audio segment as one binary WebSocket message. The
// connection is dialed lazily; after a write failure the segment is lost and
// the next Send dials again.
type StreamSink struct {
	cfg    StreamSinkConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewStreamSink creates a sink for cfg.URL.
func NewStreamSink(cfg StreamSinkConfig) *StreamSink {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &StreamSink{cfg: cfg, logger: logging.Component(cfg.Logger, "audio-stream")}
}

func (s *StreamSink) dialURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", s.cfg.Session.SessionID)
	q.Set("exam_id", s.cfg.Session.ExamID)
	q.Set("student_id", s.cfg.Session.CandidateID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *StreamSink) connectLocked(ctx context.Context) error {
	target, err := s.dialURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	headers := http.Header{}
	if s.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	s.logger.Debug("connecting audio stream", "url", s.cfg.URL)
	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial audio stream: %w", err)
	}
	s.conn = conn
	return nil
}

// Send writes one segment.
func (s *StreamSink) Send(ctx context.Context, segment []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	if s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, segment); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write audio segment: %w", err)
	}
	return nil
}

// Close sends a close frame and releases the connection.
func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
