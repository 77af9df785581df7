// Package client wraps the transport in a scoped session: connect, run one
// operation, always disconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"host-bridge/message"
	"host-bridge/registry"
	"host-bridge/transport"

	"go.uber.org/zap"
)

var ErrNoAddress = errors.New("client: no bridge address configured")

type Client struct {
	Addr        string            // Bridge address; used when Registry is nil
	Registry    registry.Registry // Optional: discover the bridge by HostName
	HostName    string
	Logger      *zap.Logger
	DialTimeout time.Duration // Default transport.DefaultConnectTimeout
	CallTimeout time.Duration // Default transport.DefaultCallTimeout
}

// resolve returns the address to dial, asking the registry when one is set.
func (c *Client) resolve() (string, error) {
	if c.Registry == nil {
		if c.Addr == "" {
			return "", ErrNoAddress
		}
		return c.Addr, nil
	}
	instances, err := c.Registry.Discover(c.HostName)
	if err != nil {
		return "", fmt.Errorf("client: discover %q: %w", c.HostName, err)
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("client: host %q: %w", c.HostName, registry.ErrNotFound)
	}
	// Most recent announcement wins.
	return instances[len(instances)-1].Addr, nil
}

// WithConnection connects to the bridge, runs op, and disconnects on every
// exit path, including a panic in op. The dial is bounded by DialTimeout.
func (c *Client) WithConnection(ctx context.Context, op func(*transport.ClientTransport) error) error {
	addr, err := c.resolve()
	if err != nil {
		return err
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := transport.NewClientTransport(addr,
		transport.WithConnectTimeout(c.DialTimeout),
		transport.WithCallTimeout(c.CallTimeout),
		transport.WithLogger(logger),
	)

	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := t.Disconnect(); err != nil {
			logger.Debug("disconnect", zap.Error(err))
		}
	}()

	return op(t)
}

// Call runs a single request inside its own connection and decodes the result
// into reply, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params any, reply any) error {
	p, err := message.MarshalParams(params)
	if err != nil {
		return fmt.Errorf("client: %s params: %w", method, err)
	}
	return c.WithConnection(ctx, func(t *transport.ClientTransport) error {
		result, err := t.Call(ctx, method, p)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		if err := json.Unmarshal(result, reply); err != nil {
			return fmt.Errorf("client: decode %s result: %w", method, err)
		}
		return nil
	})
}
