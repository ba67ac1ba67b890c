package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/qudi-go/qudicore/config"
)

// ErrClientBroken is returned by Invoke once the connection to the remote
// peer has been lost: the caller's bound Connector should treat this
// exactly as an unresolvable target until the module is reloaded and a
// fresh Client re-acquires.
var ErrClientBroken = errors.New("remote: client connection broken, module must be reloaded to re-acquire")

// Client is a transparent proxy to one module acquired from a remote peer.
// It implements descriptor.Target the same way the manager's local target
// does, so a bound Connector cannot tell local and remote apart.
type Client struct {
	desc   config.ModuleDescriptor
	logger *slog.Logger

	conn net.Conn
	fw   *frameWriter
	fr   *frameReader

	mu      sync.Mutex
	pending map[uint64]chan Response
	nextID  uint64
	handle  uint64
	broken  bool
}

// Dial connects to the peer named by desc (a remote module descriptor: its
// Address/Port fields, CertFile as the trusted server certificate when set,
// NativeModuleName as the module to acquire) and acquires a handle to it.
// KeyFile is not read: the client presents no certificate of its own.
func Dial(ctx context.Context, desc config.ModuleDescriptor, logger *slog.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", desc.Address, desc.Port)

	var conn net.Conn
	var err error
	if desc.CertFile != "" {
		pool := x509.NewCertPool()
		pem, rerr := os.ReadFile(desc.CertFile)
		if rerr != nil {
			return nil, fmt.Errorf("remote: reading peer certificate %q: %w", desc.CertFile, rerr)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("remote: %q does not contain a usable certificate", desc.CertFile)
		}
		dialer := &tls.Dialer{Config: &tls.Config{RootCAs: pool}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("remote: dialing %s: %w", addr, err)
	}

	c := &Client{
		desc:    desc,
		logger:  logger,
		conn:    conn,
		fw:      newFrameWriter(conn),
		fr:      newFrameReader(conn),
		pending: map[uint64]chan Response{},
	}
	go c.readLoop()

	resp, err := c.roundTrip(ctx, Request{Op: OpAcquire, Module: desc.NativeModuleName})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote: acquiring %q: %w", desc.NativeModuleName, err)
	}
	c.handle = resp.Handle
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp Response
		if err := c.fr.readFrame(&resp); err != nil {
			c.markBroken(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) markBroken(cause error) {
	c.mu.Lock()
	c.broken = true
	pending := c.pending
	c.pending = map[uint64]chan Response{}
	c.mu.Unlock()
	if cause != nil && !errors.Is(cause, io.EOF) {
		c.logger.WarnContext(context.Background(), "remote connection broken", "module", c.desc.NativeModuleName, "error", cause)
	}
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return Response{}, ErrClientBroken
	}
	req.ID = atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Response, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.fw.writeFrame(req); err != nil {
		c.markBroken(err)
		return Response{}, ErrClientBroken
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClientBroken
		}
		if resp.Err != nil {
			return Response{}, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// Invoke dispatches method against the remote handle. "get:"/"set:" method
// prefixes map to the wire's get_attr/set_attr operations (matching the
// convention the manager's local Invoke forwards through module Call
// implementations); anything else is a plain call.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	var req Request
	req.Handle = c.handle

	switch {
	case len(method) > 4 && method[:4] == "get:":
		req.Op = OpGetAttr
		req.Attr = method[4:]
	case len(method) > 4 && method[:4] == "set:":
		req.Op = OpSetAttr
		req.Attr = method[4:]
		if len(args) > 0 {
			req.Value = args[0]
		}
	default:
		req.Op = OpCall
		req.Attr = method
		req.Args = args
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Close releases the acquired handle and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	broken := c.broken
	c.mu.Unlock()
	if !broken {
		if _, err := c.roundTrip(ctx, Request{Op: OpRelease, Handle: c.handle}); err != nil {
			c.logger.DebugContext(ctx, "releasing remote handle on close", "module", c.desc.NativeModuleName, "error", err)
		}
	}
	return c.conn.Close()
}

// Broken reports whether the connection has been lost. Per the reload
// contract, a broken client is never repaired in place: the module must be
// deactivated and reactivated, which calls Dial again for a fresh Client.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}
