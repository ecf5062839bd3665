package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultAPIBaseURL is the upstream web API root.
const DefaultAPIBaseURL = "https://slack.com/api"

// WebSocketSource verifies credentials over the upstream web API and opens
// socket-mode streams with gobwas/ws.
type WebSocketSource struct {
	apiBase     string
	http        *http.Client
	dialTimeout time.Duration
	codec       Codec
	logger      *slog.Logger
}

// Option configures a WebSocketSource.
type Option func(*WebSocketSource)

// WithAPIBaseURL overrides the web API root.
func WithAPIBaseURL(u string) Option {
	return func(s *WebSocketSource) { s.apiBase = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the client used for web API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *WebSocketSource) { s.http = c }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(s *WebSocketSource) { s.dialTimeout = d }
}

// WithCodec sets the frame codec. Defaults to JSON.
func WithCodec(c Codec) Option {
	return func(s *WebSocketSource) { s.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *WebSocketSource) { s.logger = l }
}

// NewWebSocketSource creates a Source.
func NewWebSocketSource(opts ...Option) *WebSocketSource {
	s := &WebSocketSource{
		apiBase:     DefaultAPIBaseURL,
		http:        &http.Client{Timeout: 15 * time.Second},
		dialTimeout: 10 * time.Second,
		codec:       JSONCodec{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify calls auth.test with the bot token.
func (s *WebSocketSource) Verify(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.BotToken == "" {
		return Identity{}, fmt.Errorf("upstream: auth.test: missing bot token: %w", ErrUnauthorized)
	}
	var resp struct {
		apiResponse
		Identity
	}
	if err := s.call(ctx, "auth.test", creds.BotToken, &resp); err != nil {
		return Identity{}, err
	}
	return resp.Identity, nil
}

// Open asks apps.connections.open for a stream URL and dials it.
func (s *WebSocketSource) Open(ctx context.Context, creds Credentials) (Stream, error) {
	if creds.AppToken == "" {
		return nil, fmt.Errorf("upstream: apps.connections.open: missing app token: %w", ErrUnauthorized)
	}
	var resp struct {
		apiResponse
		URL string `json:"url"`
	}
	if err := s.call(ctx, "apps.connections.open", creds.AppToken, &resp); err != nil {
		return nil, err
	}

	dialer := ws.Dialer{Timeout: s.dialTimeout}
	conn, br, _, err := dialer.Dial(ctx, resp.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial stream: %w", err)
	}
	return newWSStream(conn, br, s.codec), nil
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r apiResponse) failure() (bool, string) { return !r.OK, r.Error }

var unauthorizedErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

func (s *WebSocketSource) call(ctx context.Context, method, token string, out interface{ failure() (bool, string) }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/"+method, http.NoBody)
	if err != nil {
		return fmt.Errorf("upstream: %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: %s: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("upstream: %s: rate limited, retry after %q", method, res.Header.Get("Retry-After"))
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("upstream: %s: unexpected status %d", method, res.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("upstream: %s: decode: %w", method, err)
	}
	if failed, code := out.failure(); failed {
		if unauthorizedErrors[code] {
			return fmt.Errorf("upstream: %s: %s: %w", method, code, ErrUnauthorized)
		}
		return fmt.Errorf("upstream: %s: %s", method, code)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Stream
// ──────────────────────────────────────────────────

type ackFrame struct {
	EnvelopeID string `json:"envelope_id" msgpack:"envelope_id"`
}

type wsStream struct {
	conn  net.Conn
	rw    io.ReadWriter
	codec Codec

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// lockedWriter serializes control-frame replies with acks.
type lockedWriter struct{ s *wsStream }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.s.writeMu.Lock()
	defer w.s.writeMu.Unlock()
	return w.s.conn.Write(p)
}

func newWSStream(conn net.Conn, br *bufio.Reader, codec Codec) *wsStream {
	s := &wsStream{conn: conn, codec: codec}
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	s.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{s}}
	return s
}

func (s *wsStream) Receive(ctx context.Context) (Envelope, error) {
	if s.closed.Load() {
		return Envelope{}, ErrStreamClosed
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		data, _, err := wsutil.ReadServerData(s.rw)
		if err != nil {
			switch {
			case s.closed.Load():
				return Envelope{}, ErrStreamClosed
			case ctx.Err() != nil:
				return Envelope{}, ctx.Err()
			}
			var closedErr wsutil.ClosedError
			if errors.As(err, &closedErr) {
				return Envelope{}, fmt.Errorf("upstream: stream closed by peer (%d %s): %w", closedErr.Code, closedErr.Reason, io.EOF)
			}
			return Envelope{}, fmt.Errorf("upstream: read: %w", err)
		}

		var env Envelope
		if err := s.codec.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "hello":
			continue
		case "disconnect":
			return Envelope{}, fmt.Errorf("%w: %s", ErrDisconnectRequested, env.Reason)
		}
		if env.ID == "" {
			continue
		}
		return env, nil
	}
}

func (s *wsStream) Ack(ctx context.Context, envelopeID string) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	data, err := s.codec.Marshal(ackFrame{EnvelopeID: envelopeID})
	if err != nil {
		return fmt.Errorf("upstream: encode ack: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best effort reset
	}
	if err := wsutil.WriteClientMessage(s.conn, s.codec.OpCode(), data); err != nil {
		return fmt.Errorf("upstream: ack %s: %w", envelopeID, err)
	}
	return nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(s.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
