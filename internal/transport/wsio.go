// Package transport implements the out-of-process half of the processor
// plug-in interface: a Channel backed by a Socket.IO connection, framing
// every request and reply as msgpack. It is grounded tightly on the
// teacher's socketio_client module — the same manager/socket setup, the
// same once-connect/connect_error race, the same WebSocket-only transport
// set — generalized from "create an asset the HCL graph can reference" to
// "dial a remote worker the scheduler can dispatch thunks to".
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/shamaton/msgpack/v2"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/taskgrid/internal/ctxlog"
)

// Config describes a remote worker endpoint.
type Config struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// ExecuteRequest is the wire payload for a remote execute! call: a
// function name the remote worker must already know how to run, plus its
// resolved arguments.
type ExecuteRequest struct {
	ThunkID  int64
	FuncName string
	Args     []any
}

// ExecuteReply mirrors the four-step protocol's (err, value) reply shape
// across the wire: Err true means Message carries the failure reason
// rather than a usable Value.
type ExecuteReply struct {
	Err     bool
	Value   any
	Message string
}

const (
	eventExecute      = types.EventName("taskgrid:execute")
	eventExecuteReply = types.EventName("taskgrid:execute_reply")
)

// Channel is a live connection to one remote worker.
type Channel struct {
	io  *socket.Socket
	cfg Config
}

// Connect dials the remote endpoint and blocks until the connection
// succeeds, fails, or times out — the same three-way select the teacher's
// CreateSocketIOClient uses.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	logger := ctxlog.FromContext(ctx).With("component", "wsio", "url", cfg.URL)

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing url %q: %w", cfg.URL, err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("connected to remote worker", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if err, ok := errs[0].(error); ok {
				connectChan <- err
				return
			}
		}
		connectChan <- fmt.Errorf("transport: connect_error with no error payload")
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("transport: connecting to %s: %w", cfg.URL, err)
		}
		return &Channel{io: io, cfg: cfg}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("transport: timed out after %s connecting to %s", timeout, cfg.URL)
	}
}

// Close disconnects the underlying socket.
func (c *Channel) Close() error {
	c.io.Disconnect()
	return nil
}

// Execute sends req to the remote worker and blocks for its reply,
// framing both directions as msgpack over a dedicated event pair so the
// channel can still carry the socket.io library's own housekeeping
// events undisturbed.
func (c *Channel) Execute(ctx context.Context, req ExecuteRequest) (any, error) {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding execute request: %w", err)
	}

	replyChan := make(chan []byte, 1)
	c.io.Once(eventExecuteReply, func(args ...any) {
		if len(args) == 0 {
			replyChan <- nil
			return
		}
		if b, ok := args[0].([]byte); ok {
			replyChan <- b
		}
	})

	if err := c.io.Emit(string(eventExecute), payload); err != nil {
		return nil, fmt.Errorf("transport: emitting execute request: %w", err)
	}

	select {
	case data := <-replyChan:
		var reply ExecuteReply
		if err := msgpack.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("transport: decoding execute reply: %w", err)
		}
		if reply.Err {
			return nil, fmt.Errorf("transport: remote execution failed: %s", reply.Message)
		}
		return reply.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
