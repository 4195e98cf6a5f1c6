// Package client is the shell side of the link: it owns the single TCP connection to the
// companion, frames outbound requests, reassembles inbound frames and routes every response to
// the callback of the request that produced it.
//
//	Send(event, data, cb) ──→ Correlator.Register(id, cb) ──→ protocol.Encode ──→ conn.Write
//	conn.Read ──→ Reassembler.Feed ──→ message.Classify ──→ Correlator.Resolve(id) → cb
//	                                                      └─→ OnNotification / OnLog
//
// State changes are driven only by transport events: a successful dial, Disconnect, or a read or
// write failure. Application payloads never change the state.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"framelink/codec"
	"framelink/config"
	"framelink/logging"
	"framelink/message"
	"framelink/metrics"
	"framelink/protocol"
	"framelink/transport"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrDisconnected is returned by Call when the connection goes away before the response.
	ErrDisconnected = errors.New("client: disconnected before response")
	// ErrUncorrelated is returned by SendDirect when a callback is given for a payload without a requestId.
	ErrUncorrelated = errors.New("client: direct payload carries no requestId")
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// TransportError wraps a connect, read or write failure.
type TransportError struct {
	Op  string // "connect", "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is an "error" event sent back by the companion in reply to a Call.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("companion error: %s", e.Message)
}

// Events is the surface the GUI and the process supervisor observe. Nil hooks are skipped.
// Hooks run on the connection's goroutines and must not block; a panicking hook is recovered.
type Events struct {
	OnConnected    func()
	OnDisconnected func()
	// OnConnectionLost fires before OnDisconnected when the transport failed rather than
	// Disconnect being called. A supervisor uses it to decide whether to restart the companion.
	OnConnectionLost func(err error)
	OnError          func(err error)
	// OnLog receives a diagnostic line for every frame sent or received, with hex dump and tag.
	OnLog func(msg string)
	// OnNotification receives JSON payloads that carry no requestId.
	OnNotification func(in *message.Inbound)
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l).Named(logging.ClientName) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithEvents(ev Events) Option {
	return func(c *Client) { c.events = ev }
}

// WithDialer replaces the TCP dialer, e.g. to hand the client one end of a net.Pipe.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// session is one live connection. Its reassembler belongs to its read goroutine.
type session struct {
	conn      net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Client manages the connection to the companion.
type Client struct {
	cfg        config.ClientConfig
	events     Events
	logger     *zap.Logger
	metrics    *metrics.Metrics
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
	correlator *transport.Correlator

	mu    sync.Mutex // guards state and sess
	state State
	sess  *session

	sending sync.Mutex // whole frames only: concurrent writes would interleave bytes of two frames
}

// NewClient creates a disconnected client.
func NewClient(cfg config.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		logger:     zap.NewNop(),
		dial:       (&net.Dialer{}).DialContext,
		correlator: transport.NewCorrelator(cfg.RequestTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.ReadBuffer <= 0 {
		c.cfg.ReadBuffer = 4096
	}
	return c
}

// Connect dials host:port, bounded by ctx and the configured connect timeout.
// On failure the client stays Disconnected, OnError fires and the error is returned.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()

		terr := &TransportError{Op: "connect", Err: err}
		c.metrics.Connection(metrics.SideClient, "failed")
		c.logger.Warn("connect failed", zap.String("addr", addr), zap.Error(err))
		c.emitLog(fmt.Sprintf("connect to %s failed: %v", addr, err))
		c.emitError(terr)
		return terr
	}

	s := &session{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.sess = s
	c.state = Connected
	c.mu.Unlock()

	c.metrics.Connection(metrics.SideClient, "connected")
	c.logger.Info("connected", zap.String("addr", addr))
	c.emitLog("connected to " + addr)
	c.emit(c.events.OnConnected)

	// Reading starts only after OnConnected so no inbound event can precede it
	go c.readLoop(s)
	go c.sweepLoop(s)
	return nil
}

// Disconnect closes the connection and drops every pending request without invoking its callback.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	s := c.sess
	c.sess = nil
	c.state = Disconnected
	c.mu.Unlock()

	s.close()
	dropped := c.correlator.ClearAll()
	c.metrics.SetPending(0)
	c.metrics.Connection(metrics.SideClient, "disconnected")

	c.logger.Info("disconnected", zap.Int("dropped", dropped))
	c.emitLog(fmt.Sprintf("disconnected, %d pending request(s) dropped", dropped))
	c.emit(c.events.OnDisconnected)
	return nil
}

// Close disconnects if connected. It is safe to call at any time.
func (c *Client) Close() error {
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	return c.correlator.Len()
}

// Send wraps data as {event, data, requestId} under a fresh requestId and writes it.
// cb, if non-nil, receives the raw response payload or ErrRequestTimeout. When the client is not
// connected Send returns ErrNotConnected and writes nothing.
func (c *Client) Send(event string, data any, cb transport.Callback) (string, error) {
	if !c.IsConnected() {
		c.emitError(ErrNotConnected)
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	env, err := message.New(event, data, id)
	if err != nil {
		return "", err
	}
	payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(env)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}

	if err := c.write(id, payload, cb); err != nil {
		return "", err
	}
	return id, nil
}

// SendDirect writes payload without the envelope. Strings and byte slices go out as raw text;
// anything else is JSON-encoded as-is. To receive a response the payload must itself carry a string
// requestId; it is returned and cb is registered under it.
func (c *Client) SendDirect(payload any, cb transport.Callback) (string, error) {
	if !c.IsConnected() {
		c.emitError(ErrNotConnected)
		return "", ErrNotConnected
	}

	cdc := codec.For(payload)
	b, err := cdc.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("encode direct payload: %w", err)
	}

	var id string
	if cdc.Type() == codec.CodecTypeJSON {
		id = message.PeekRequestID(b)
	}
	if cb != nil && id == "" {
		return "", ErrUncorrelated
	}

	if err := c.write(id, b, cb); err != nil {
		return "", err
	}
	return id, nil
}

// SendMessage sends a "message" request carrying content.
func (c *Client) SendMessage(content string, cb transport.Callback) (string, error) {
	return c.Send(message.EventMessage, &message.MessageArgs{Content: content}, cb)
}

// SendCalculate sends a "calculate" request for a + b.
func (c *Client) SendCalculate(a, b int, cb transport.Callback) (string, error) {
	return c.Send(message.EventCalculate, &message.CalculateArgs{A: a, B: b}, cb)
}

// Call sends a request and blocks until its response arrives, the request times out, the
// connection goes away or ctx is done. The response data is decoded into reply; an "error" event
// from the companion is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, event string, data any, reply any) error {
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)

	done := c.sessionDone()
	if done == nil {
		c.emitError(ErrNotConnected)
		return ErrNotConnected
	}

	id, err := c.Send(event, data, func(payload []byte, err error) {
		ch <- result{payload: payload, err: err}
	})
	if err != nil {
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s %s: %w", event, id, r.err)
		}
		return decodeReply(r.payload, reply)
	case <-done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeReply(payload []byte, reply any) error {
	in, err := message.Classify(payload)
	if err != nil {
		return err
	}
	if in.Envelope == nil {
		return fmt.Errorf("%w: response is not an object", message.ErrDecode)
	}
	if in.Envelope.Event == message.EventError {
		var e message.ErrorReply
		if err := in.Envelope.DecodeData(&e); err != nil {
			return err
		}
		return &RemoteError{RequestID: in.RequestID, Message: e.Message}
	}
	return in.Envelope.DecodeData(reply)
}

// write registers cb under id (when both are set) and writes one frame.
func (c *Client) write(id string, payload []byte, cb transport.Callback) error {
	s := c.current()
	if s == nil {
		c.emitError(ErrNotConnected)
		return ErrNotConnected
	}

	// Register before writing so a fast response cannot beat the registration
	if id != "" && cb != nil {
		c.correlator.Register(id, cb)
		c.metrics.SetPending(c.correlator.Len())
	}

	frame := protocol.Encode(payload)

	c.sending.Lock()
	_, err := s.conn.Write(frame)
	c.sending.Unlock()

	if err != nil {
		if id != "" {
			c.correlator.Forget(id)
		}
		terr := &TransportError{Op: "write", Err: err}
		c.lose(s, terr)
		return terr
	}

	c.metrics.FrameSent(metrics.SideClient)
	if c.events.OnLog != nil {
		tag := protocol.IntegrityTag(protocol.TypeTag[:], payload)
		c.emitLog(fmt.Sprintf("sent frame len=%d tag=%08x payload=%s hex=%s", len(payload), tag, payload, protocol.Dump(frame)))
	}
	return nil
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.sess
}

func (c *Client) sessionDone() <-chan struct{} {
	if s := c.current(); s != nil {
		return s.done
	}
	return nil
}

// readLoop is the only reader of s.conn and the only owner of its reassembler, so frames are
// dispatched strictly in arrival order.
func (c *Client) readLoop(s *session) {
	reasm := protocol.NewReassembler(c.cfg.MaxPayload)
	buf := make([]byte, c.cfg.ReadBuffer)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := c.onBytesReceived(reasm, buf[:n]); ferr != nil {
				c.lose(s, &TransportError{Op: "read", Err: ferr})
				return
			}
		}
		if err != nil {
			c.lose(s, &TransportError{Op: "read", Err: err})
			return
		}
	}
}

// onBytesReceived feeds one chunk and dispatches every frame it completes.
func (c *Client) onBytesReceived(reasm *protocol.Reassembler, chunk []byte) error {
	frames, err := reasm.Feed(chunk)
	for _, f := range frames {
		c.dispatch(f)
	}
	return err
}

func (c *Client) dispatch(f protocol.Frame) {
	c.metrics.FrameReceived(metrics.SideClient)

	if f.Err != nil {
		c.metrics.IntegrityFailure(metrics.SideClient)
		c.logger.Warn("discarding frame", zap.Error(f.Err), zap.Int("bytes", len(f.Raw)))
		c.emitLog(fmt.Sprintf("discarded frame: %v hex=%s", f.Err, protocol.Dump(f.Raw)))
		return
	}
	if c.events.OnLog != nil {
		c.emitLog(fmt.Sprintf("received frame len=%d tag=%08x payload=%s hex=%s", len(f.Payload), f.Tag, f.Payload, protocol.Dump(f.Raw)))
	}

	in, err := message.Classify(f.Payload)
	if err != nil {
		c.metrics.DecodeError(metrics.SideClient)
		c.logger.Warn("undecodable payload", zap.Error(err))
		c.emitError(err)
		return
	}

	switch in.Kind {
	case message.KindCorrelated:
		if !c.correlator.Resolve(in.RequestID, f.Payload) {
			c.metrics.UnknownResponse()
			c.logger.Debug("dropping response for unknown request", zap.String("requestId", in.RequestID))
		}
		c.metrics.SetPending(c.correlator.Len())
	case message.KindNotification:
		if h := c.events.OnNotification; h != nil {
			c.emit(func() { h(in) })
		}
	default:
		c.emitLog("received text: " + string(f.Payload))
	}
}

// sweepLoop evicts timed-out requests while s is alive.
func (c *Client) sweepLoop(s *session) {
	if c.correlator.TTL() <= 0 || c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			expired := c.correlator.Sweep(now)
			if len(expired) == 0 {
				continue
			}
			c.metrics.RequestTimeouts(len(expired))
			c.metrics.SetPending(c.correlator.Len())
			c.logger.Debug("requests timed out", zap.Strings("requestIds", expired))
			c.emitLog(fmt.Sprintf("%d request(s) timed out", len(expired)))
		}
	}
}

// lose tears s down after a transport failure. It is a no-op if s is no longer current,
// which is the case when Disconnect closed it deliberately.
func (c *Client) lose(s *session, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = Disconnected
	c.mu.Unlock()

	s.close()
	dropped := c.correlator.ClearAll()
	c.metrics.SetPending(0)
	c.metrics.Connection(metrics.SideClient, "lost")

	c.logger.Warn("connection lost", zap.Error(err), zap.Int("dropped", dropped))
	c.emitLog(fmt.Sprintf("connection lost: %v", err))
	c.emitError(err)
	if h := c.events.OnConnectionLost; h != nil {
		c.emit(func() { h(err) })
	}
	c.emit(c.events.OnDisconnected)
}

func (c *Client) emitError(err error) {
	if h := c.events.OnError; h != nil {
		c.emit(func() { h(err) })
	}
}

func (c *Client) emitLog(msg string) {
	if h := c.events.OnLog; h != nil {
		c.emit(func() { h(msg) })
	}
}

// emit runs an event hook, keeping a panicking hook from unwinding into the connection goroutines.
func (c *Client) emit(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
