package proc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vk/taskgrid/internal/chunk"
	"github.com/vk/taskgrid/internal/thunk"
	"github.com/vk/taskgrid/internal/transport"
)

func newReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

const (
	// KindProcess runs thunks in-process, on the scheduler's own goroutines.
	KindProcess Kind = "process"
	// KindThread is behaviorally identical to KindProcess in this single
	// address-space implementation; it exists as a distinct kind so
	// options.proclist can address "cpu-bound" vs "io-bound" pools
	// separately, the way the source system distinguishes OS processes
	// from green threads.
	KindThread Kind = "thread"
	// KindHTTP executes thunks by delegating to a remote HTTP endpoint.
	KindHTTP Kind = "httpproc"
	// KindRemote executes thunks on a worker reached over a
	// Socket.IO-backed transport.Channel.
	KindRemote Kind = "remote"
)

// NewProcessVTable returns the vtable shared by all in-process, default
// enabled compute processors. It accepts any function and any argument —
// there is no remote boundary to cross, so compatibility is unconditional.
func NewProcessVTable() VTable {
	return VTable{
		IscompatibleFunc: func(p Processor, opts thunk.Options, funcName string) bool {
			return true
		},
		IscompatibleArg: func(p Processor, opts thunk.Options, arg any) bool {
			return true
		},
		DefaultEnabled: func(p Processor) bool {
			return true
		},
		Execute: func(ctx context.Context, p Processor, f thunk.Func, args []any) (any, error) {
			if f == nil {
				return nil, fmt.Errorf("proc: thunk has no function body")
			}
			return f(ctx, args)
		},
		Move: func(store chunk.Store, from, to Processor, c chunk.Chunk) (chunk.Chunk, error) {
			return store.Move(c, to.ID())
		},
	}
}

// NewThreadVTable is NewProcessVTable under a distinct kind, see KindThread.
func NewThreadVTable() VTable {
	return NewProcessVTable()
}

// HTTPArg is the argument shape httpproc thunks expect: pre-encoded request
// bytes, sent verbatim to the processor's endpoint. Thunks destined for an
// httpproc processor are expected to produce one of these rather than an
// arbitrary Go value, since there is no generic serialization contract.
type HTTPArg struct {
	Body []byte
}

// NewHTTPVTable returns the vtable for processors that execute thunks by
// POSTing to a remote endpoint addressed by the processor's ID. It is not
// default-enabled: a thunk must opt into it via options.proclist, since
// sending an arbitrary closure over HTTP makes no sense. The function name
// is not consulted; compatibility is decided by the arguments alone, each
// of which must be an HTTPArg or nil.
func NewHTTPVTable(client *http.Client, timeout time.Duration) VTable {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return VTable{
		IscompatibleFunc: func(p Processor, opts thunk.Options, funcName string) bool {
			return true
		},
		IscompatibleArg: func(p Processor, opts thunk.Options, arg any) bool {
			_, ok := arg.(HTTPArg)
			return ok || arg == nil
		},
		DefaultEnabled: func(p Processor) bool {
			return false
		},
		Execute: func(ctx context.Context, p Processor, f thunk.Func, args []any) (any, error) {
			var body []byte
			for _, a := range args {
				if h, ok := a.(HTTPArg); ok {
					body = h.Body
				}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ID(), newReader(body))
			if err != nil {
				return nil, fmt.Errorf("proc: building request for %s: %w", p, err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("proc: executing on %s: %w", p, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("proc: %s returned status %d", p, resp.StatusCode)
			}
			return readAll(resp.Body)
		},
		Move: func(store chunk.Store, from, to Processor, c chunk.Chunk) (chunk.Chunk, error) {
			return store.Move(c, to.ID())
		},
	}
}

// ChannelLookup resolves a remote processor's id to its live transport
// channel. Kept as a function rather than a map so the caller decides
// whether lookup failures are programmer errors (panic) or runtime
// conditions (return ok=false) for their deployment.
type ChannelLookup func(procID string) (*transport.Channel, bool)

// NewRemoteVTable returns the vtable for processors reached over a
// transport.Channel. Like httpproc, it is not default-enabled: dispatching
// an arbitrary in-process closure to a remote worker makes no sense, so a
// thunk must name "remote" explicitly via options.proclist. Execute sends
// only the resolved arguments: the ExecuteRequest's FuncName and ThunkID
// are left empty, so the remote worker cannot tell which function to run
// from the request.
func NewRemoteVTable(lookup ChannelLookup) VTable {
	return VTable{
		IscompatibleFunc: func(p Processor, opts thunk.Options, funcName string) bool {
			_, ok := lookup(p.ID())
			return ok
		},
		IscompatibleArg: func(p Processor, opts thunk.Options, arg any) bool {
			return true
		},
		DefaultEnabled: func(p Processor) bool {
			return false
		},
		Execute: func(ctx context.Context, p Processor, f thunk.Func, args []any) (any, error) {
			ch, ok := lookup(p.ID())
			if !ok {
				return nil, fmt.Errorf("proc: no transport channel for %s", p)
			}
			return ch.Execute(ctx, transport.ExecuteRequest{Args: args})
		},
		Move: func(store chunk.Store, from, to Processor, c chunk.Chunk) (chunk.Chunk, error) {
			return store.Move(c, to.ID())
		},
	}
}
