package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	CHANNEL_PATH        = "/channel"
	WEBSOCKET_TRANSPORT = "websocket"
	DEFAULT_ORIGIN      = "http://localhost/"
	DIAL_TIMEOUT        = 5 * time.Second

	// CHANNEL_ACCEPT is the first frame the answering side writes on the one
	// dial-in it keeps. Offerers attach only to a channel that sent it.
	CHANNEL_ACCEPT = "accept"
)

var ErrNoEndpoints = errors.New("no channel endpoints advertised")

type wsDescription struct {
	Transport string `json:"transport"`
	Token     string `json:"token"`
}

// WebSocket channels are accepted by the answering side on CHANNEL_PATH of
// its HTTP server and dialed by the offering side. Candidates are the
// advertised base URLs with the session token attached.
type WebSocket struct {
	mu          sync.Mutex
	pending     map[string]*wsConn
	advertise   func() []string
	origin      string
	dialTimeout time.Duration
	logger      *zap.Logger
}

func NewWebSocket(logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocket{
		pending:     make(map[string]*wsConn),
		origin:      DEFAULT_ORIGIN,
		dialTimeout: DIAL_TIMEOUT,
		logger:      logger,
	}
}

// SetAdvertiser supplies the base URLs (ws://host:port) remote peers may dial.
func (t *WebSocket) SetAdvertiser(advertise func() []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertise = advertise
}

func (t *WebSocket) NewConn(handlers Handlers) (Conn, error) {
	return &wsConn{
		transport: t,
		life:      lifecycle{handlers: handlers},
	}, nil
}

// Handler accepts dial-ins for pending answers.
func (t *WebSocket) Handler() websocket.Handler {
	return func(ws *websocket.Conn) {
		token := ws.Request().URL.Query().Get("token")

		conn := t.take(token)
		if conn == nil {
			t.logger.Debug("Rejected channel for unknown token", zap.String("token", token))
			return
		}

		if err := websocket.Message.Send(ws, CHANNEL_ACCEPT); err != nil {
			conn.shutdown(err)
			return
		}

		if !conn.attach(ws) {
			return
		}

		conn.readLoop(ws)
	}
}

func (t *WebSocket) baseURLs() []string {
	t.mu.Lock()
	advertise := t.advertise
	t.mu.Unlock()

	if advertise == nil {
		return nil
	}
	return advertise()
}

func (t *WebSocket) register(token string, conn *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[token] = conn
}

func (t *WebSocket) take(token string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn := t.pending[token]
	delete(t.pending, token)
	return conn
}

func (t *WebSocket) forget(token string, conn *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[token] == conn {
		delete(t.pending, token)
	}
}

func ChannelURL(base, token string) string {
	return base + CHANNEL_PATH + "?token=" + url.QueryEscape(token)
}

type wsConn struct {
	transport *WebSocket
	life      lifecycle

	mu      sync.Mutex
	token   string
	offerer bool
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if c.life.isClosed() {
		return SessionDescription{}, ErrClosed
	}

	token := uuid.NewString()

	c.mu.Lock()
	c.token = token
	c.offerer = true
	c.mu.Unlock()

	return encodeDescription(DescriptionOffer, token)
}

func (c *wsConn) CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if c.life.isClosed() {
		return SessionDescription{}, ErrClosed
	}

	token, err := decodeDescription(offer)
	if err != nil {
		return SessionDescription{}, err
	}

	bases := c.transport.baseURLs()
	if len(bases) == 0 {
		return SessionDescription{}, ErrNoEndpoints
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.transport.register(token, c)

	go func() {
		for _, base := range bases {
			c.life.candidate(Candidate{Candidate: ChannelURL(base, token)})
		}
	}()

	return encodeDescription(DescriptionAnswer, token)
}

func (c *wsConn) SetAnswer(ctx context.Context, answer SessionDescription) error {
	token, err := decodeDescription(answer)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token {
		return fmt.Errorf("answer %s does not match offer %s: %w", token, c.token, ErrUnknownSession)
	}
	return nil
}

func (c *wsConn) AddCandidate(candidate Candidate) error {
	target, err := url.Parse(candidate.Candidate)
	if err != nil {
		return fmt.Errorf("invalid candidate %q: %w", candidate.Candidate, err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return fmt.Errorf("unsupported candidate scheme %q", target.Scheme)
	}

	c.mu.Lock()
	offerer, attached, token := c.offerer, c.ws != nil, c.token
	c.mu.Unlock()

	if !offerer || attached || c.life.isClosed() {
		return nil
	}
	if target.Query().Get("token") != token {
		return fmt.Errorf("candidate %s: %w", candidate.Candidate, ErrUnknownSession)
	}

	go c.dial(candidate.Candidate)
	return nil
}

func (c *wsConn) dial(target string) {
	logger := c.transport.logger.With(zap.String("candidate", target))

	config, err := websocket.NewConfig(target, c.transport.origin)
	if err != nil {
		logger.Debug("Invalid channel candidate", zap.Error(err))
		return
	}
	config.Dialer = &net.Dialer{Timeout: c.transport.dialTimeout}

	ws, err := websocket.DialConfig(config)
	if err != nil {
		logger.Debug("Channel candidate unreachable", zap.Error(err))
		return
	}

	var accepted string
	_ = ws.SetReadDeadline(time.Now().Add(c.transport.dialTimeout))
	if err := websocket.Message.Receive(ws, &accepted); err != nil || accepted != CHANNEL_ACCEPT {
		logger.Debug("Channel candidate declined", zap.Error(err))
		ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	if !c.attach(ws) {
		ws.Close()
		return
	}

	c.readLoop(ws)
}

func (c *wsConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.ws != nil || c.life.isClosed() {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	c.mu.Unlock()

	return c.life.open()
}

func (c *wsConn) readLoop(ws *websocket.Conn) {
	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
		c.life.message(data)
	}
}

func (c *wsConn) Send(data []byte) error {
	if !c.life.isOpen() {
		return ErrNotOpen
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.Message.Send(ws, data)
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(reason error) {
	c.mu.Lock()
	ws := c.ws
	token := c.token
	c.mu.Unlock()

	c.transport.forget(token, c)
	if ws != nil {
		ws.Close()
	}
	c.life.close(reason)
}

func encodeDescription(kind, token string) (SessionDescription, error) {
	data, err := json.Marshal(wsDescription{Transport: WEBSOCKET_TRANSPORT, Token: token})
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: kind, SDP: string(data)}, nil
}

func decodeDescription(description SessionDescription) (string, error) {
	var parsed wsDescription
	if err := json.Unmarshal([]byte(description.SDP), &parsed); err != nil {
		return "", fmt.Errorf("invalid %s description: %w", description.Type, err)
	}
	if parsed.Transport != WEBSOCKET_TRANSPORT || parsed.Token == "" {
		return "", fmt.Errorf("unsupported %s description", description.Type)
	}
	return parsed.Token, nil
}
