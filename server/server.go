// Package server implements the companion: the peer the shell connects to.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine reads and reassembles frames)
//	  → message.Classify
//	    → requestId present: go handleRequest → middleware chain → businessHandler (reflect.Call) → reply frame
//	    → no requestId: handler runs, reply discarded
//	    → raw text or bad integrity: logged and dropped
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framelink/codec"
	"framelink/logging"
	"framelink/message"
	"framelink/metrics"
	"framelink/middleware"
	"framelink/protocol"
)

var (
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server: closed")
	// ErrServerStarted is returned by Register and Use once Serve has begun.
	ErrServerStarted = errors.New("server: handlers are fixed once serving")
)

type peerAddrKey struct{}

// PeerAddr returns the remote address of the connection a request arrived on.
func PeerAddr(ctx context.Context) (net.Addr, bool) {
	addr, ok := ctx.Value(peerAddrKey{}).(net.Addr)
	return addr, ok
}

type handlerEntry struct {
	svc    *service
	method *methodType
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l).Named(logging.ServerName) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxPayload bounds the payload length a peer may announce; 0 means unlimited.
func WithMaxPayload(n uint32) Option {
	return func(s *Server) { s.maxPayload = n }
}

// WithWelcome sends a "welcome" notification carrying text to every new peer.
func WithWelcome(text string) Option {
	return func(s *Server) { s.welcome = text }
}

// WithOnPeerClosed calls fn after a peer's connection has closed and its read loop has exited,
// so handlers keyed on PeerAddr can release per-peer state. err is the read error that ended the
// connection, nil when the server closed it.
func WithOnPeerClosed(fn func(addr net.Addr, err error)) Option {
	return func(s *Server) { s.onPeerClosed = fn }
}

// Server is the companion server.
type Server struct {
	handlers    map[string]*handlerEntry // event → method
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxPayload  uint32
	welcome     string

	onPeerClosed func(addr net.Addr, err error)

	mu       sync.Mutex // guards listener, peers, started and closing; wg.Add happens under it
	started  bool       // handlers and middlewares are read-only once set
	listener net.Listener
	peers    map[*peer]struct{}
	closing  bool
	wg       sync.WaitGroup // in-flight handlers
	conns    sync.WaitGroup // connection read loops
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]*handlerEntry),
		peers:    make(map[*peer]struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the exported methods of rcvr (a pointer to a struct) shaped
// Name(args *A, reply *R) error. Registering an event twice is an error, as is registering after
// Serve has started.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started {
		return ErrServerStarted
	}
	for event := range svc.method {
		if prev, ok := svr.handlers[event]; ok {
			return fmt.Errorf("server: event %q already registered by %s", event, prev.svc.name)
		}
	}
	for event, m := range svc.method {
		svr.handlers[event] = &handlerEntry{svc: svc, method: m}
	}
	return nil
}

// Events lists the registered event names.
func (svr *Server) Events() []string {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	events := make([]string, 0, len(svr.handlers))
	for e := range svr.handlers {
		events = append(events, e)
	}
	return events
}

// Use registers a middleware. Middlewares are applied in the order they are added and must all
// be registered before Serve.
func (svr *Server) Use(mw middleware.Middleware) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started {
		return ErrServerStarted
	}
	svr.middlewares = append(svr.middlewares, mw)
	return nil
}

// Serve listens on address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(ln)
}

// ServeListener accepts connections on ln until Shutdown, after which it returns nil.
func (svr *Server) ServeListener(ln net.Listener) error {
	svr.mu.Lock()
	if svr.closing {
		svr.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	svr.listener = ln
	svr.started = true
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.mu.Unlock()

	svr.logger.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Strings("events", svr.Events()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			svr.mu.Lock()
			closing := svr.closing
			svr.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}

		p := newPeer(conn)
		if !svr.track(p) {
			conn.Close()
			continue
		}
		go svr.handleConn(p)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) track(p *peer) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.closing {
		return false
	}
	svr.peers[p] = struct{}{}
	svr.conns.Add(1)
	return true
}

func (svr *Server) untrack(p *peer) {
	svr.mu.Lock()
	delete(svr.peers, p)
	svr.mu.Unlock()
}

// handleConn owns p's reassembler. Requests are handled concurrently; writes go through p.writeMu.
func (svr *Server) handleConn(p *peer) {
	var readErr error
	defer svr.conns.Done()
	defer func() {
		if svr.onPeerClosed != nil {
			svr.onPeerClosed(p.conn.RemoteAddr(), readErr)
		}
	}()
	defer svr.untrack(p)
	defer p.close()

	remote := p.conn.RemoteAddr().String()
	log := svr.logger.With(zap.String("remote", remote))
	svr.metrics.PeerConnected()
	defer svr.metrics.PeerDisconnected()
	log.Info("peer connected")

	if svr.welcome != "" {
		if err := svr.notifyPeer(p, message.EventWelcome, &message.MessageReply{Content: svr.welcome}); err != nil {
			log.Warn("welcome failed", zap.Error(err))
		}
	}

	reasm := protocol.NewReassembler(svr.maxPayload)
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			frames, ferr := reasm.Feed(buf[:n])
			for _, f := range frames {
				svr.dispatch(p, f, log)
			}
			if ferr != nil {
				log.Warn("closing peer", zap.Error(ferr))
				readErr = ferr
				return
			}
		}
		if err != nil {
			log.Info("peer disconnected", zap.Error(err))
			if !p.closed.Load() {
				readErr = err
			}
			return
		}
	}
}

func (svr *Server) dispatch(p *peer, f protocol.Frame, log *zap.Logger) {
	svr.metrics.FrameReceived(metrics.SideServer)
	if f.Err != nil {
		svr.metrics.IntegrityFailure(metrics.SideServer)
		log.Warn("dropping frame", zap.Error(f.Err), zap.String("hex", protocol.Dump(f.Raw)))
		return
	}

	in, err := message.Classify(f.Payload)
	if err != nil {
		svr.metrics.DecodeError(metrics.SideServer)
		log.Warn("undecodable payload", zap.Error(err))
		return
	}

	switch {
	case in.Kind == message.KindRaw:
		log.Info("text received", zap.ByteString("payload", f.Payload))
	case in.Envelope == nil:
		log.Info("ignoring non-object payload", zap.ByteString("payload", f.Payload))
	default:
		svr.handleRequest(p, in.Envelope)
	}
}

// handleRequest runs req through the handler chain on its own goroutine and, when req carries a
// requestId, writes the reply. Requests arriving during Shutdown are dropped.
func (svr *Server) handleRequest(p *peer, req *message.Envelope) {
	svr.mu.Lock()
	if svr.closing {
		svr.mu.Unlock()
		return
	}
	svr.wg.Add(1)
	svr.mu.Unlock()

	go func() {
		defer svr.wg.Done()

		resp := svr.handler(p.ctx, req)
		if req.RequestID == "" || resp == nil {
			return
		}
		resp.RequestID = req.RequestID

		payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(resp)
		if err != nil {
			svr.logger.Error("encode reply", zap.String("event", resp.Event), zap.Error(err))
			return
		}
		if err := svr.write(p, payload); err != nil {
			svr.logger.Debug("write reply", zap.String("requestId", req.RequestID), zap.Error(err))
		}
	}()
}

// businessHandler dispatches an envelope to its registered method.
//
// Flow: find event → reflect.New(args) → DecodeData → reflect.Call → "<event>Result" envelope
func (svr *Server) businessHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	entry, ok := svr.handlers[req.Event]
	if !ok {
		return message.Errorf(req.RequestID, "unknown event %q", req.Event)
	}

	argv := reflect.New(entry.method.ArgType)
	replyv := reflect.New(entry.method.ReplyType)

	if err := req.DecodeData(argv.Interface()); err != nil {
		return message.Errorf(req.RequestID, "invalid %s data: %v", req.Event, err)
	}

	if err := entry.svc.Call(entry.method, argv, replyv); err != nil {
		return message.Errorf(req.RequestID, "%v", err)
	}

	resp, err := message.New(message.ResultEvent(req.Event), replyv.Interface(), req.RequestID)
	if err != nil {
		return message.Errorf(req.RequestID, "%v", err)
	}
	return resp
}

// Notify pushes a notification (no requestId) to every connected peer.
func (svr *Server) Notify(event string, data any) error {
	svr.mu.Lock()
	peers := make([]*peer, 0, len(svr.peers))
	for p := range svr.peers {
		peers = append(peers, p)
	}
	svr.mu.Unlock()

	var errs error
	for _, p := range peers {
		errs = multierr.Append(errs, svr.notifyPeer(p, event, data))
	}
	return errs
}

func (svr *Server) notifyPeer(p *peer, event string, data any) error {
	env, err := message.New(event, data, "")
	if err != nil {
		return err
	}
	payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(env)
	if err != nil {
		return err
	}
	return svr.write(p, payload)
}

func (svr *Server) write(p *peer, payload []byte) error {
	if err := p.write(protocol.Encode(payload)); err != nil {
		return err
	}
	svr.metrics.FrameSent(metrics.SideServer)
	return nil
}

// Shutdown stops accepting, waits up to timeout for in-flight handlers, then closes every peer.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	svr.closing = true
	ln := svr.listener
	svr.mu.Unlock()

	var errs error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	for p := range svr.peers {
		p.close()
	}
	svr.mu.Unlock()
	svr.conns.Wait()

	svr.logger.Info("shut down", zap.Error(errs))
	return errs
}

// peer is one accepted connection.
type peer struct {
	conn      net.Conn
	ctx       context.Context // cancelled when the connection closes
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool // set when the server closed the connection
}

func newPeer(conn net.Conn) *peer {
	ctx := context.WithValue(context.Background(), peerAddrKey{}, conn.RemoteAddr())
	ctx, cancel := context.WithCancel(ctx)
	return &peer{conn: conn, ctx: ctx, cancel: cancel}
}

func (p *peer) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.conn.Close()
	})
}
