// Package command implements the outstanding-request table and the
// per-operation API that turns high-level block operations into
// correlated request/response round-trips over the link (spec.md §4.7).
//
// Grounded in the teacher's cs104 APCI sequence-number bookkeeping
// (asdu/cproc.go, cs104/apci.go) generalized from a fixed I-format
// sequence counter to an arbitrary msgId correlation table. Each
// request's wait is bounded by both a timer and the caller's context in
// a single select.
package command

import (
	"context"
	"sync"
	"time"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/codec"
	"github.com/brewblox/sparkgw/internal/gwerr"
)

// OpCode enumerates the command layer's opcodes (spec.md §4.7).
type OpCode uint8

const (
	OpNone OpCode = iota
	OpReadObject
	OpReadStoredObject
	OpWriteObject
	OpCreateObject
	OpDeleteObject
	OpListObjects
	OpListStoredObjects
	OpListCompatibleObjects
	OpDiscoverObjects
	OpClearObjects
	OpReboot
	OpFactoryReset
	OpFirmwareUpdate
)

// noReply is the set of opcodes that receive no response (spec.md §4.7).
var noReply = map[OpCode]bool{
	OpReboot:         true,
	OpFactoryReset:   true,
	OpFirmwareUpdate: true,
}

// DefaultTimeout is the default per-command response wait (spec.md §5).
const DefaultTimeout = 5 * time.Second

// Writer is the subset of *link.Link the command layer needs: writing a
// single hex-ASCII line.
type Writer interface {
	Write(line string) error
}

// Commander correlates outbound envelopes with inbound responses by
// msgId, enforcing per-command timeouts and strict serialization
// (spec.md §5: "at most one request in flight").
type Commander struct {
	writer  Writer
	log     clog.Clog
	timeout time.Duration

	// ioMu serializes Execute end to end: held from before a request is
	// encoded until its response, timeout, or cancellation resolves, so
	// a second caller blocks rather than writing while the first
	// request is still outstanding (spec.md §5: "Transport write lock —
	// at most one request in flight").
	ioMu sync.Mutex

	mu        sync.Mutex
	nextID    uint32
	pending   map[uint16]chan codec.EncodedResponse
	connected bool
}

// New returns a Commander writing through w with the given per-command
// timeout (0 selects DefaultTimeout).
func New(w Writer, timeout time.Duration) *Commander {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Commander{
		writer:    w,
		log:       clog.NewLogger("command"),
		timeout:   timeout,
		pending:   make(map[uint16]chan codec.EncodedResponse),
		connected: true,
	}
}

// SetConnected updates the connected flag; when false, all outstanding
// requests fail with NOT_CONNECTED (spec.md §5: "After a reconnect, all
// outstanding requests fail with NOT_CONNECTED").
func (c *Commander) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	pending := c.pending
	c.pending = make(map[uint16]chan codec.EncodedResponse)
	c.mu.Unlock()

	if !connected {
		for _, ch := range pending {
			close(ch)
		}
	}
}

// allocateID returns the next msgId, wrapping at 16 bits (spec.md §4.7:
// "monotone, wraps on a large modulus").
func (c *Commander) allocateID() uint16 {
	c.nextID++
	return uint16(c.nextID)
}

// HandleResponse is called by the link/codec layer on every decoded
// EncodedResponse; it delivers the response to the matching waiter, if
// any.
func (c *Commander) HandleResponse(resp codec.EncodedResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.MsgID]
	if ok {
		delete(c.pending, resp.MsgID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Execute writes req and, unless its opcode expects no reply, waits for
// the matching response with the configured timeout, translating a
// non-zero error code into a *gwerr.Error (spec.md §4.7 steps 1-4). At
// most one Execute call is ever in flight: a concurrent caller blocks
// on ioMu until this round trip completes.
func (c *Commander) Execute(ctx context.Context, op OpCode, req *codec.Payload) (codec.EncodedResponse, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return codec.EncodedResponse{}, gwerr.Newf(gwerr.KindNotConnected, "command: link not connected")
	}
	msgID := c.allocateID()
	var waitCh chan codec.EncodedResponse
	if !noReply[op] {
		waitCh = make(chan codec.EncodedResponse, 1)
		c.pending[msgID] = waitCh
	}
	c.mu.Unlock()

	line, err := encodeRequest(msgID, op, req)
	if err != nil {
		c.forget(msgID)
		return codec.EncodedResponse{}, err
	}
	if err := c.writer.Write(line); err != nil {
		c.forget(msgID)
		return codec.EncodedResponse{}, err
	}

	if waitCh == nil {
		return codec.EncodedResponse{}, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waitCh:
		if !ok {
			return codec.EncodedResponse{}, gwerr.Newf(gwerr.KindNotConnected, "command: link reset while awaiting response")
		}
		if resp.ErrorCode != 0 {
			return resp, &gwerr.Error{Kind: gwerr.KindCommandFailed, ControllerCode: resp.ErrorCode}
		}
		return resp, nil
	case <-timer.C:
		c.forget(msgID)
		return codec.EncodedResponse{}, gwerr.Newf(gwerr.KindTimeout, "command: no response for msgId %d after %s", msgID, c.timeout)
	case <-ctx.Done():
		c.forget(msgID)
		return codec.EncodedResponse{}, gwerr.New(gwerr.KindCancelled, ctx.Err())
	}
}

func (c *Commander) forget(msgID uint16) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// encodeRequest renders the envelope to its hex-ASCII wire line.
func encodeRequest(msgID uint16, op OpCode, payload *codec.Payload) (string, error) {
	req := codec.EncodedRequest{MsgID: msgID, OpCode: uint8(op), Payload: payload}
	return codec.ToHex(codec.EncodeEnvelope(req)), nil
}
