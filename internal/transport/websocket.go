// Package transport carries one interview session over a websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/interview-client/internal/observability"
)

const (
	defaultDialTimeout  = 10 * time.Second
	closeGracePeriod    = 2 * time.Second
	writeTimeout        = 5 * time.Second
	maxInboundFrameSize = 1 << 20

	// CloseNormal is the close code used for user and end-of-interview closes.
	CloseNormal = websocket.CloseNormalClosure
	// CloseAbnormal is reported when the link dropped without a close frame.
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// ErrInvalidServiceURL is returned when the websocket URL cannot be derived.
var ErrInvalidServiceURL = errors.New("service URL must use http(s) or ws(s)")

// Handler receives the lifecycle of one connection. The callbacks are bound
// at Open and run on the connection's goroutine; OnClose fires exactly once.
type Handler struct {
	OnOpen    func()
	OnMessage func(raw string)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Client opens at most one live interview connection at a time.
type Client struct {
	baseURL     string
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	tracer      trace.Tracer
	logger      zerolog.Logger

	mu   sync.Mutex
	conn *connection
}

// NewClient returns a transport for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:     baseURL,
		dialer:      websocket.DefaultDialer,
		dialTimeout: defaultDialTimeout,
		tracer:      otel.Tracer("github.com/lexiqai/interview-client/internal/transport"),
		logger:      observability.WithComponent("transport"),
	}
}

// InterviewURL derives {ws|wss}://host/ws/interview/<id> from the service URL.
func InterviewURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServiceURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", ErrInvalidServiceURL
	}
	if u.Host == "" {
		return "", ErrInvalidServiceURL
	}
	u.Path = "/ws/interview/" + sessionID
	u.RawPath = "/ws/interview/" + url.PathEscape(sessionID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Open starts connecting to the session. It is a no-op while a connection
// is already connecting or open. A connection that is closing is detached
// and does not block a new Open.
func (c *Client) Open(sessionID string, h Handler) error {
	wsURL, err := InterviewURL(c.baseURL, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		switch c.conn.getState() {
		case stateConnecting, stateOpen:
			c.logger.Debug().Str("session_id", sessionID).Msg("Open ignored, connection already active")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn := &connection{
		sessionID: sessionID,
		url:       wsURL,
		handler:   h,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    c.logger.With().Str("session_id", sessionID).Logger(),
	}
	c.conn = conn

	go conn.run(ctx, c.dialer, c.tracer)
	return nil
}

// Send writes one text frame. It returns false unless the connection is open
// and the write succeeded.
func (c *Client) Send(text string) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.send(text)
}

// Close requests a graceful close of the current connection. The
// connection's OnClose still fires.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.close(code, reason)
	}
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.getState() == stateOpen
}

type connection struct {
	sessionID string
	url       string
	handler   Handler
	cancel    context.CancelFunc
	done      chan struct{}
	logger    zerolog.Logger

	state       atomic.Int32
	ws          *websocket.Conn
	writeMu     sync.Mutex
	closeOnce   sync.Once
	requestOnce sync.Once
	closeCode   int
	closeReason string
	reqMu       sync.Mutex
}

func (cn *connection) getState() connState {
	return connState(cn.state.Load())
}

func (cn *connection) run(ctx context.Context, dialer *websocket.Dialer, tracer trace.Tracer) {
	defer close(cn.done)

	ctx, span := tracer.Start(ctx, "transport.Dial",
		trace.WithAttributes(attribute.String("interview.session_id", cn.sessionID)),
	)
	ws, resp, err := dialer.DialContext(ctx, cn.url, nil)
	cn.cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		if code, reason, requested := cn.requested(); requested {
			cn.fireClose(code, reason)
			return
		}
		cn.logger.Error().Err(err).Str("url", cn.url).Msg("Failed to connect to interview service")
		if cn.handler.OnError != nil {
			cn.handler.OnError(err)
		}
		cn.fireClose(CloseAbnormal, err.Error())
		return
	}
	span.End()

	ws.SetReadLimit(maxInboundFrameSize)

	cn.writeMu.Lock()
	cn.ws = ws
	cn.writeMu.Unlock()

	if !cn.state.CompareAndSwap(int32(stateConnecting), int32(stateOpen)) {
		// Close was requested while dialing.
		code, reason, _ := cn.requested()
		cn.writeClose(code, reason)
		_ = ws.Close()
		cn.fireClose(code, reason)
		return
	}

	cn.logger.Info().Msg("Interview connection open")
	if cn.handler.OnOpen != nil {
		cn.handler.OnOpen()
	}

	cn.readLoop(ws)
}

func (cn *connection) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				cn.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("Interview connection closed")
				cn.fireClose(closeErr.Code, closeErr.Text)
				return
			}
			if code, reason, requested := cn.requested(); requested {
				cn.fireClose(code, reason)
				return
			}
			cn.logger.Warn().Err(err).Msg("Interview connection dropped")
			cn.fireClose(CloseAbnormal, "")
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if cn.handler.OnMessage != nil {
				cn.handler.OnMessage(string(data))
			}
		default:
			cn.logger.Debug().Int("message_type", messageType).Msg("Ignoring non-text frame")
		}
	}
}

func (cn *connection) send(text string) bool {
	if cn.getState() != stateOpen {
		return false
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if cn.ws == nil {
		return false
	}
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := cn.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		cn.logger.Warn().Err(err).Msg("Failed to send message")
		return false
	}
	return true
}

func (cn *connection) close(code int, reason string) {
	cn.requestOnce.Do(func() {
		cn.reqMu.Lock()
		cn.closeCode = code
		cn.closeReason = reason
		cn.reqMu.Unlock()

		prev := connState(cn.state.Swap(int32(stateClosing)))
		switch prev {
		case stateConnecting:
			cn.cancel()
		case stateOpen:
			cn.writeClose(code, reason)
			go func() {
				timer := time.NewTimer(closeGracePeriod)
				defer timer.Stop()
				select {
				case <-cn.done:
				case <-timer.C:
					cn.writeMu.Lock()
					if cn.ws != nil {
						_ = cn.ws.Close()
					}
					cn.writeMu.Unlock()
				}
			}()
		}
	})
}

func (cn *connection) requested() (int, string, bool) {
	if cn.getState() < stateClosing {
		return 0, "", false
	}
	cn.reqMu.Lock()
	defer cn.reqMu.Unlock()
	return cn.closeCode, cn.closeReason, true
}

func (cn *connection) writeClose(code int, reason string) {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}

func (cn *connection) fireClose(code int, reason string) {
	cn.closeOnce.Do(func() {
		cn.state.Store(int32(stateClosed))
		if cn.handler.OnClose != nil {
			cn.handler.OnClose(code, reason)
		}
	})
}
