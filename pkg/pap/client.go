package pap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Client talks to the devices behind a protocol adapter.
type Client interface {
	Open(ctx context.Context) error
	Close() error
	// Fetch returns the current value of each point, nil when the device
	// has none.
	Fetch(ctx context.Context, points []types.PointRef) ([]*types.VersionedValue, error)
	// Write sends values and returns one error per value.
	Write(ctx context.Context, values []*types.VersionedValue) ([]error, error)
}

// MemoryClient is a device simulator keeping one register per point.
type MemoryClient struct {
	mu        sync.Mutex
	registers map[types.PointRef]*types.VersionedValue
	readOnly  map[types.PointRef]bool
	open      bool
	fetches   int
}

// NewMemoryClient creates a simulator.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		registers: make(map[types.PointRef]*types.VersionedValue),
		readOnly:  make(map[types.PointRef]bool),
	}
}

// SetReadOnly makes writes to point fail.
func (c *MemoryClient) SetReadOnly(point types.PointRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly[point] = true
}

// Fetches returns the number of Fetch round trips.
func (c *MemoryClient) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *MemoryClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return nil
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *MemoryClient) Fetch(ctx context.Context, points []types.PointRef) ([]*types.VersionedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, storeerr.ServiceClosed("fetch")
	}
	c.fetches++
	out := make([]*types.VersionedValue, len(points))
	for i, p := range points {
		if v, ok := c.registers[p]; ok {
			out[i] = v.Clone()
		}
	}
	return out, nil
}

func (c *MemoryClient) Write(ctx context.Context, values []*types.VersionedValue) ([]error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, storeerr.ServiceClosed("write")
	}
	errs := make([]error, len(values))
	for i, v := range values {
		if c.readOnly[v.Point] {
			errs[i] = storeerr.ForPoint(storeerr.KindUnsupportedOperation, "write", v.Point.String(), fmt.Errorf("register is read-only"))
			continue
		}
		c.registers[v.Point] = v.Clone()
	}
	return errs, nil
}

// Request and reply bodies exchanged with a device gateway.
type (
	fetchRequest struct {
		Points []types.PointRef `json:"points"`
	}
	fetchReply struct {
		Values []*types.VersionedValue `json:"values"`
		Error  *types.ErrorJSON        `json:"error,omitempty"`
	}
	writeRequest struct {
		Values []*types.VersionedValue `json:"values"`
	}
	writeReply struct {
		Errors []*types.ErrorJSON `json:"errors"`
		Error  *types.ErrorJSON   `json:"error,omitempty"`
	}
)

// NATSClient reaches a device gateway through NATS request/reply on
// <subject>.fetch and <subject>.write.
type NATSClient struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSClient creates a gateway client.
func NewNATSClient(nc *nats.Conn, subject string, timeout time.Duration) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, subject: subject, timeout: timeout}
}

func (c *NATSClient) Open(ctx context.Context) error {
	if !c.nc.IsConnected() {
		return storeerr.Errorf(storeerr.KindServiceUnavailable, "open", "gateway %s is not connected", c.subject)
	}
	return nil
}

// Close leaves the shared connection open.
func (c *NATSClient) Close() error {
	return nil
}

func (c *NATSClient) request(ctx context.Context, op string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.subject+"."+op, data)
	if err != nil {
		return storeerr.New(storeerr.KindServiceUnavailable, op, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return storeerr.New(storeerr.KindStoreAccess, op, fmt.Errorf("failed to decode reply: %w", err))
	}
	return nil
}

func (c *NATSClient) Fetch(ctx context.Context, points []types.PointRef) ([]*types.VersionedValue, error) {
	var reply fetchReply
	if err := c.request(ctx, "fetch", &fetchRequest{Points: points}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	if len(reply.Values) != len(points) {
		return nil, storeerr.Errorf(storeerr.KindStoreAccess, "fetch", "gateway returned %d values for %d points", len(reply.Values), len(points))
	}
	return reply.Values, nil
}

func (c *NATSClient) Write(ctx context.Context, values []*types.VersionedValue) ([]error, error) {
	var reply writeReply
	if err := c.request(ctx, "write", &writeRequest{Values: values}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	if len(reply.Errors) != len(values) {
		return nil, storeerr.Errorf(storeerr.KindStoreAccess, "write", "gateway returned %d results for %d values", len(reply.Errors), len(values))
	}
	errs := make([]error, len(values))
	for i, e := range reply.Errors {
		errs[i] = e.Err()
	}
	return errs, nil
}
