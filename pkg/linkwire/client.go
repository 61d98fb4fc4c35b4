package linkwire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Client drives a remote bridge over one TCP connection. It implements
// devicelink.Link.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan *Response
	nextID  uint32

	notif  chan devicelink.Notification
	done   chan struct{}
	closed atomic.Bool
}

var _ devicelink.Link = (*Client)(nil)

// Dial connects to a bridge at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan *Response),
		notif:   make(chan devicelink.Notification, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetLogger sets the logger used by the client.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Close tears the connection down. Outstanding calls fail with a
// disconnected error.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()
	<-c.done
}

// Notifications returns the forwarded asynchronous event stream. The
// channel is closed when the connection drops.
func (c *Client) Notifications() <-chan devicelink.Notification {
	return c.notif
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env Envelope
		if err := readFrame(c.conn, &env); err != nil {
			c.teardown(err)
			return
		}
		switch {
		case env.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[env.Response.ID]
			delete(c.pending, env.Response.ID)
			c.mu.Unlock()
			if ok {
				ch <- env.Response
			}
		case env.Notification != nil:
			select {
			case c.notif <- *env.Notification:
			default:
				c.log().Warn("notification dropped",
					"type", env.Notification.Type.String(),
					"deviceId", env.Notification.DeviceID)
			}
		}
	}
}

// teardown fails every outstanding call and closes the notification stream.
func (c *Client) teardown(cause error) {
	c.closed.Store(true)
	c.conn.Close()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &Response{
			ErrKind: devicelink.KindDisconnected,
			ErrMsg:  devicelink.ErrLinkClosed.Error(),
		}
	}
	close(c.notif)
	c.log().Debug("bridge connection closed", "cause", cause)
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, devicelink.WrapError(devicelink.KindDisconnected, devicelink.ErrLinkClosed)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := writeFrame(c.conn, req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
		return nil, devicelink.WrapError(devicelink.KindDisconnected, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
		return nil, devicelink.WrapError(devicelink.KindTimeout, ctx.Err())
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// IsInPINCeremony probes the remote device's ceremony state.
func (c *Client) IsInPINCeremony(ctx context.Context, deviceID string) (bool, error) {
	resp, err := c.call(ctx, &Request{Op: OpProbe, DeviceID: deviceID})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// GetStatus queries the remote device's status snapshot.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (*devicelink.Status, error) {
	resp, err := c.call(ctx, &Request{Op: OpStatus, DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// TriggerPINChallenge asks the remote device to display the PIN matrix.
func (c *Client) TriggerPINChallenge(ctx context.Context, deviceID string) (bool, error) {
	resp, err := c.call(ctx, &Request{Op: OpTrigger, DeviceID: deviceID})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// SubmitPIN sends the chosen grid positions to the remote device.
func (c *Client) SubmitPIN(ctx context.Context, deviceID string, positions []devicelink.Position) (bool, error) {
	resp, err := c.call(ctx, &Request{Op: OpSubmitPIN, DeviceID: deviceID, Positions: positions})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// SubmitPassphrase forwards a passphrase answer to the remote device.
func (c *Client) SubmitPassphrase(ctx context.Context, deviceID, requestID string, passphrase []byte) error {
	_, err := c.call(ctx, &Request{
		Op:         OpSubmitPassphrase,
		DeviceID:   deviceID,
		RequestID:  requestID,
		Passphrase: passphrase,
	})
	return err
}

// Discover browses mDNS for a bridge and returns its "host:port" address.
// It returns the first bridge found within timeout.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		_ = zeroconf.Browse(browseCtx, ServiceType, Domain, entries, removed)
	}()
	go func() {
		for range removed {
		}
	}()

	for {
		select {
		case <-browseCtx.Done():
			return "", devicelink.WrapError(devicelink.KindUnavailable,
				fmt.Errorf("no bridge found: %w", browseCtx.Err()))
		case entry, ok := <-entries:
			if !ok {
				return "", devicelink.NewError(devicelink.KindUnavailable, "no bridge found")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			return net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port)), nil
		}
	}
}
