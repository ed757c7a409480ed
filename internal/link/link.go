// Package link owns the byte-level transport to the controller (TCP,
// serial, in-process simulator, or a test mock), feeds the frame parser,
// serializes outbound writes, and surfaces connect/disconnect events to
// the command layer and state machine.
//
// Grounded in the teacher's cs104 connection-handling style (one reader
// goroutine, a mutex-guarded writer, explicit close/reconnect) and in
// marmos91-dittofs's use of cenkalti/backoff for retry scheduling.
package link

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/frameparser"
	"github.com/brewblox/sparkgw/internal/gwerr"
)

// Transport is a byte-oriented duplex connection to the controller.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer establishes a fresh Transport. Each concrete transport kind
// (tcp, serial, simulator, mock) implements one.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
	Name() string
}

// Discoverer is the out-of-scope device auto-discovery collaborator
// (mDNS / USB enumeration). Link itself never calls a Discoverer;
// StaticDiscoverer is the only implementation in this module.
type Discoverer interface {
	Discover(ctx context.Context) (Dialer, error)
}

// BackoffConfig controls the reconnect schedule (spec.md §4.6/§5: base
// 2s, cap 30s, 20 attempts before the process surrenders). MaxRetries
// counts retries after the first dial, so 19 gives 20 attempts.
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries uint64
}

// DefaultBackoff is the spec-mandated reconnect schedule.
var DefaultBackoff = BackoffConfig{Base: 2 * time.Second, Cap: 30 * time.Second, MaxRetries: 19}

func (b BackoffConfig) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	return backoff.WithMaxRetries(eb, b.MaxRetries)
}

// Link owns the active transport and fans inbound data to the frame
// parser, invoking callbacks for responses, events, and disconnection.
// Writes are serialized through a single mutex (spec.md §5: "transport
// write lock").
type Link struct {
	dialer  Dialer
	backoff BackoffConfig
	log     clog.Clog

	writeMu   sync.Mutex
	transport Transport

	OnResponse   func(line string)
	OnEvent      func(msg string)
	OnDisconnect func()
}

// New returns a Link that dials through d, reconnecting per bc.
func New(d Dialer, bc BackoffConfig) *Link {
	return &Link{dialer: d, backoff: bc, log: clog.NewLogger("link")}
}

// Connect dials the transport, retrying with the configured backoff.
// Returns gwerr.KindConnectionReset after the retry budget is exhausted.
func (l *Link) Connect(ctx context.Context) error {
	var t Transport
	op := func() error {
		var err error
		t, err = l.dialer.Dial(ctx)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(l.backoff.newBackOff(), ctx)); err != nil {
		return gwerr.New(gwerr.KindConnectionReset, err)
	}

	l.writeMu.Lock()
	l.transport = t
	l.writeMu.Unlock()
	return nil
}

// Run reads from the transport until it closes or ctx is cancelled,
// pushing bytes through the frame parser and dispatching events/data to
// the registered callbacks. It returns when the link goes down.
func (l *Link) Run(ctx context.Context) error {
	l.writeMu.Lock()
	t := l.transport
	l.writeMu.Unlock()
	if t == nil {
		return gwerr.Newf(gwerr.KindNotConnected, "link: Run called before Connect")
	}

	parser := frameparser.New()
	reader := bufio.NewReader(t)
	buf := make([]byte, 4096)

	defer func() {
		_ = l.close()
		if l.OnDisconnect != nil {
			l.OnDisconnect()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return gwerr.New(gwerr.KindCancelled, ctx.Err())
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			parser.Push(buf[:n])
			for _, ev := range parser.Events() {
				if l.OnEvent != nil {
					l.OnEvent(ev)
				}
			}
			for _, d := range parser.Data() {
				if l.OnResponse != nil {
					l.OnResponse(d)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return gwerr.New(gwerr.KindConnectionReset, err)
		}
	}
}

// Write serializes a single outbound hex-ASCII line, appending the
// newline the controller expects.
func (l *Link) Write(line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.transport == nil {
		return gwerr.Newf(gwerr.KindNotConnected, "link: write before connect")
	}
	_, err := l.transport.Write([]byte(line + "\n"))
	if err != nil {
		return gwerr.New(gwerr.KindConnectionReset, err)
	}
	return nil
}

// Drain is a no-op: the current transports write synchronously, so
// there is nothing to flush. Nothing in this module calls it.
func (l *Link) Drain() error {
	return nil
}

// Transport returns the active transport for a collaborator that needs
// to take over the raw byte stream (the YMODEM sender, once a
// FIRMWARE_UPDATE command has put the controller into update mode).
// Returns nil if the link is not currently connected.
func (l *Link) Transport() Transport {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.transport
}

func (l *Link) close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.transport == nil {
		return nil
	}
	err := l.transport.Close()
	l.transport = nil
	return err
}

// Close shuts down the active transport.
func (l *Link) Close() error {
	return l.close()
}
