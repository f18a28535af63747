package mllp

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/config"
	"github.com/cenkalti/backoff/v4"
)

// Client delivers messages to the LIS, one connection per message.
type Client struct {
	config.Config
	addr     string
	maxBytes int
	timeout  time.Duration
	retry    func() backoff.BackOff
}

// NewClient creates a client for the LIS at addr.
func NewClient(cfg *config.Config, addr string) *Client {
	return &Client{
		Config:   *cfg,
		addr:     addr,
		maxBytes: cfg.Environment.MaxMessageBytes,
		timeout:  30 * time.Second,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
}

// Addr returns the LIS address.
func (c *Client) Addr() string {
	return c.addr
}

// Send delivers payload and returns the reply of the LIS. Network failures are
// retried with exponential backoff on a new connection until ctx is done or
// the backoff gives up.
func (c *Client) Send(ctx context.Context, payload []byte) ([]byte, error) {
	var reply []byte
	operation := func() error {
		var err error
		reply, err = c.exchange(ctx, payload)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.Logger.Warnf("Delivery to %s failed, reconnecting in %s: %v", c.addr, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(c.retry(), ctx), notify); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &NetworkError{Op: "dial", Addr: c.addr, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(hl7.Frame(payload)); err != nil {
		return nil, &NetworkError{Op: "write", Addr: c.addr, Err: err}
	}
	reply, err := hl7.ReadFrame(bufio.NewReader(conn), c.maxBytes)
	if err != nil {
		return nil, &NetworkError{Op: "read", Addr: c.addr, Err: err}
	}
	return reply, nil
}
