package linkwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/enbility/zeroconf/v3"
	"github.com/google/uuid"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// mDNS service identity of a bridge.
const (
	ServiceType = "_keepkey-bridge._tcp"
	Domain      = "local"
)

// ServerConfig configures a bridge server.
type ServerConfig struct {
	// Addr is the TCP listen address. Empty means "127.0.0.1:0".
	Addr string

	// Instance is the mDNS instance name. Generated when empty.
	Instance string

	// Advertise enables mDNS advertisement of the bridge.
	Advertise bool
}

// Server exposes a devicelink.Link to remote clients. It owns the link's
// notification stream and fans events out to every connected client.
type Server struct {
	link   devicelink.Link
	cfg    ServerConfig
	logger *slog.Logger

	ln   net.Listener
	mdns *zeroconf.Server

	mu    sync.Mutex
	conns map[*serverConn]struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// serverConn is one accepted client connection. Writes are serialized
// because responses and fanned-out notifications share the socket.
type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *serverConn) write(env *Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.conn, env)
}

// NewServer creates a bridge server for link.
func NewServer(link devicelink.Link, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Instance == "" {
		cfg.Instance = "keepkey-bridge-" + uuid.NewString()[:8]
	}
	return &Server{
		link:  link,
		cfg:   cfg,
		conns: make(map[*serverConn]struct{}),
	}
}

// SetLogger sets the logger used by the server.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Start begins listening and, when configured, advertising.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := zeroconf.Register(s.cfg.Instance, ServiceType, Domain, port, nil, nil)
		if err != nil {
			ln.Close()
			s.running.Store(false)
			return fmt.Errorf("failed to register mdns service: %w", err)
		}
		s.mdns = mdns
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.notifyLoop()

	s.log().Info("bridge listening", "addr", ln.Addr().String(), "advertise", s.cfg.Advertise)
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down and closes all client connections.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
	s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log().Warn("accept failed", "error", err)
			continue
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(sc)
	}
}

// notifyLoop fans the link's notification stream out to every client.
func (s *Server) notifyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-s.link.Notifications():
			if !ok {
				return
			}
			env := &Envelope{Notification: &n}
			s.mu.Lock()
			targets := make([]*serverConn, 0, len(s.conns))
			for c := range s.conns {
				targets = append(targets, c)
			}
			s.mu.Unlock()
			for _, c := range targets {
				if err := c.write(env); err != nil {
					s.log().Debug("notification write failed", "error", err)
				}
			}
		}
	}
}

func (s *Server) serveConn(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		sc.conn.Close()
	}()

	remote := sc.conn.RemoteAddr().String()
	s.log().Debug("client connected", "remote", remote)

	for {
		var req Request
		if err := readFrame(sc.conn, &req); err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log().Debug("client disconnected", "remote", remote, "error", err)
			}
			return
		}
		go func() {
			resp := s.dispatch(s.ctx, &req)
			if err := sc.write(&Envelope{Response: resp}); err != nil {
				s.log().Debug("response write failed", "remote", remote, "error", err)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{ID: req.ID}

	var err error
	switch req.Op {
	case OpProbe:
		resp.OK, err = s.link.IsInPINCeremony(ctx, req.DeviceID)
	case OpStatus:
		resp.Status, err = s.link.GetStatus(ctx, req.DeviceID)
	case OpTrigger:
		resp.OK, err = s.link.TriggerPINChallenge(ctx, req.DeviceID)
	case OpSubmitPIN:
		resp.OK, err = s.link.SubmitPIN(ctx, req.DeviceID, req.Positions)
	case OpSubmitPassphrase:
		err = s.link.SubmitPassphrase(ctx, req.DeviceID, req.RequestID, req.Passphrase)
		resp.OK = err == nil
		for i := range req.Passphrase {
			req.Passphrase[i] = 0
		}
	default:
		err = devicelink.Errorf(devicelink.KindUnknown, "unsupported operation %d", req.Op)
	}

	if err != nil {
		resp.ErrKind = devicelink.KindOf(err)
		resp.ErrMsg = err.Error()
		resp.OK = false
	}
	return resp
}
