package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/qudi-go/qudicore/config"
	"github.com/qudi-go/qudicore/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("github.com/qudi-go/qudicore/remote")

// Manager is the subset of manager.ModuleManager the server needs: enough
// to activate/invoke/deactivate a module by name without importing the
// manager package's internal Instance type.
type Manager interface {
	Activate(ctx context.Context, name string) error
	Deactivate(ctx context.Context, name string) error
	Invoke(ctx context.Context, name, method string, args ...any) (any, error)
	Descriptor(name string) (config.ModuleDescriptor, bool)
	AllowRemoteModules() []string
	HasLocalHold(name string) bool
}

// Journal is the subset of manager.Journal the server records
// acquire/release audit events through. Optional: a nil Journal is simply
// skipped.
type Journal interface {
	RecordRemoteSession(ctx context.Context, peer, moduleName, action string) error
}

type handleInfo struct {
	module string
	peer   string
}

// Server exposes this process's allow_remote modules to other processes
// over a single persistent, length-prefixed JSON RPC channel per peer, on a
// TCP (optionally TLS) listener: the wire contract is a standing connection
// carrying many in-flight calls, not one request per socket.
type Server struct {
	cfg     config.RemoteServerConfig
	mgr     Manager
	journal Journal
	logger  *slog.Logger

	listener net.Listener

	mu        sync.Mutex
	refcounts map[string]int
	handles   map[uint64]handleInfo
	nextID    uint64
}

// NewServer constructs a Server bound to the given remote_modules_server
// configuration block. It does not listen until Serve is called.
func NewServer(cfg config.RemoteServerConfig, mgr Manager, journal Journal, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mgr:       mgr,
		journal:   journal,
		logger:    logger,
		refcounts: map[string]int{},
		handles:   map[uint64]handleInfo{},
	}
}

// Serve binds the listener and accepts connections until ctx is canceled or
// Close is called. It blocks; callers run it in its own goroutine/worker.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: listening on %s: %w", addr, err)
	}
	if s.cfg.CertFile != "" || s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("remote: loading TLS keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		s.logger.WarnContext(ctx, "remote module server listening without TLS: the channel is trusting, anyone who can reach it can acquire allow_remote modules", "address", addr)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("remote: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections. In-flight connections are left to
// their own read errors once their peer or the Serve goroutine's ctx ends.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	nickname := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
	defer conn.Close()

	s.logger.InfoContext(ctx, "remote peer connected", "peer", peer, "nickname", nickname)
	defer s.logger.InfoContext(ctx, "remote peer disconnected", "peer", peer, "nickname", nickname)

	owned := &ownedHandles{handles: map[uint64]struct{}{}}
	defer func() {
		for _, h := range owned.drain() {
			s.release(ctx, h)
		}
	}()

	fr := newFrameReader(conn)
	fw := newFrameWriter(conn)
	var writeMu sync.Mutex

	for {
		var req Request
		if err := fr.readFrame(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.DebugContext(ctx, "remote connection read error", "peer", peer, "nickname", nickname, "error", err)
			}
			return
		}

		go func(req Request) {
			resp := s.dispatch(ctx, peer, owned, &req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := fw.writeFrame(resp); err != nil {
				s.logger.DebugContext(ctx, "remote connection write error", "peer", peer, "nickname", nickname, "error", err)
			}
		}(req)
	}
}

// ownedHandles tracks the set of handles a single connection currently
// holds. Requests are dispatched from a fresh goroutine per inbound frame,
// so acquire/release/drain all run concurrently on the same connection and
// need their own lock independent of Server.mu.
type ownedHandles struct {
	mu      sync.Mutex
	handles map[uint64]struct{}
}

func (o *ownedHandles) add(handle uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[handle] = struct{}{}
}

func (o *ownedHandles) remove(handle uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handles, handle)
}

func (o *ownedHandles) drain() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]uint64, 0, len(o.handles))
	for h := range o.handles {
		out = append(out, h)
	}
	o.handles = map[uint64]struct{}{}
	return out
}

func (s *Server) dispatch(ctx context.Context, peer string, owned *ownedHandles, req *Request) Response {
	ctx, span := tracer.Start(ctx, "remote."+string(req.Op), trace.WithAttributes(
		attribute.String("remote.peer", peer),
		attribute.String("remote.module", req.Module),
		attribute.String("remote.attr", req.Attr),
	))
	defer span.End()

	resp := s.dispatchOp(ctx, peer, owned, req)
	if resp.Err != nil {
		span.RecordError(resp.Err)
	}
	return resp
}

func (s *Server) dispatchOp(ctx context.Context, peer string, owned *ownedHandles, req *Request) Response {
	switch req.Op {
	case OpListRemotable:
		return Response{ID: req.ID, Modules: s.mgr.AllowRemoteModules()}
	case OpAcquire:
		handle, err := s.acquire(ctx, peer, req.Module)
		if err != nil {
			return errResponse(req.ID, err)
		}
		owned.add(handle)
		return Response{ID: req.ID, Handle: handle}
	case OpRelease:
		owned.remove(req.Handle)
		if err := s.release(ctx, req.Handle); err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID}
	case OpCall:
		var args []any
		args = append(args, req.Args...)
		if len(req.Kwargs) > 0 {
			args = append(args, req.Kwargs)
		}
		result, err := s.forward(ctx, req.Handle, req.Attr, args...)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Result: result}
	case OpGetAttr:
		result, err := s.forward(ctx, req.Handle, "get:"+req.Attr)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Result: result}
	case OpSetAttr:
		result, err := s.forward(ctx, req.Handle, "set:"+req.Attr, req.Value)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return Response{ID: req.ID, Result: result}
	default:
		return errResponse(req.ID, fmt.Errorf("unknown operation %q", req.Op))
	}
}

func (s *Server) acquire(ctx context.Context, peer, module string) (uint64, error) {
	desc, ok := s.mgr.Descriptor(module)
	if !ok {
		return 0, fmt.Errorf("module %q is not configured on this peer", module)
	}
	if desc.IsRemote() {
		return 0, fmt.Errorf("module %q is itself a remote descriptor here, cannot be re-exported", module)
	}
	if !desc.AllowRemote {
		return 0, fmt.Errorf("module %q does not set allow_remote", module)
	}
	if err := s.mgr.Activate(ctx, module); err != nil {
		return 0, fmt.Errorf("activating %q for remote peer %s: %w", module, peer, err)
	}

	s.mu.Lock()
	s.refcounts[module]++
	handle := atomic.AddUint64(&s.nextID, 1)
	s.handles[handle] = handleInfo{module: module, peer: peer}
	s.mu.Unlock()

	s.recordSession(ctx, peer, module, "acquire")
	return handle, nil
}

func (s *Server) release(ctx context.Context, handle uint64) error {
	s.mu.Lock()
	info, ok := s.handles[handle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown handle %d", handle)
	}
	delete(s.handles, handle)
	s.refcounts[info.module]--
	remaining := s.refcounts[info.module]
	if remaining <= 0 {
		delete(s.refcounts, info.module)
	}
	s.mu.Unlock()

	s.recordSession(ctx, info.peer, info.module, "release")

	if remaining <= 0 {
		// Shared-exporter policy: once no remote peer holds this module, try
		// to deactivate it. A local holder always wins: a module a local
		// caller activated directly (e.g. a startup_modules entry with no
		// dependents of its own) stays up for that caller even though no
		// peer needs it anymore. Failing that, Deactivate may still refuse
		// with ErrModuleStillRequired because some other locally-active
		// module connects to it; that refusal is expected here too and
		// simply means the module stays up, not an error to report to the
		// releasing peer.
		if s.mgr.HasLocalHold(info.module) {
			s.logger.DebugContext(ctx, "remote release did not deactivate module, still held locally", "module", info.module)
		} else if err := s.mgr.Deactivate(ctx, info.module); err != nil {
			s.logger.DebugContext(ctx, "remote release did not deactivate module, still required locally", "module", info.module, "error", err)
		}
	}
	return nil
}

func (s *Server) forward(ctx context.Context, handle uint64, method string, args ...any) (any, error) {
	s.mu.Lock()
	info, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown handle %d", handle)
	}
	return s.mgr.Invoke(ctx, info.module, method, args...)
}

func (s *Server) recordSession(ctx context.Context, peer, module, action string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordRemoteSession(ctx, peer, module, action); err != nil {
		s.logger.WarnContext(ctx, "failed to record remote session in journal", "peer", peer, "module", module, "action", action, "error", err)
	}
}

func errResponse(id uint64, err error) Response {
	return Response{ID: id, Err: &ErrorInfo{Class: "remote.Error", Message: err.Error()}}
}
