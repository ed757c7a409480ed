package link

import (
	"context"
	"fmt"
	"net"

	"go.bug.st/serial"

	"github.com/brewblox/sparkgw/internal/gwerr"
)

// TCPDialer connects to a device_host:port TCP endpoint (spec.md §4.6
// step 2).
type TCPDialer struct {
	Address string
}

func (d TCPDialer) Name() string { return "tcp:" + d.Address }

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SerialDialer opens a local serial device at the given path and baud
// rate (spec.md §4.6 step 3).
type SerialDialer struct {
	Device string
	Baud   int
}

func (d SerialDialer) Name() string { return "serial:" + d.Device }

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	baud := d.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(d.Device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// pipeTransport wraps the in-process connection handed to
// SimulatorDialer (spec.md §4.6's "simulator (in-process)" transport
// kind) and adds no behavior of its own. The simulator process
// itself (which interprets commands and emits realistic events) is an
// out-of-scope external collaborator (spec.md §1); this type only
// provides the transport plumbing a test or embedded simulator needs.
type pipeTransport struct {
	net.Conn
}

// SimulatorDialer wires a pre-established in-process connection (e.g.
// the server half of a net.Pipe()) as the transport, bypassing real I/O
// entirely.
type SimulatorDialer struct {
	Conn net.Conn
}

func (d SimulatorDialer) Name() string { return "simulator" }

func (d SimulatorDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Conn == nil {
		return nil, gwerr.Newf(gwerr.KindNotConnected, "link: simulator dialer has no connection")
	}
	return pipeTransport{d.Conn}, nil
}

// StaticDiscoverer implements Discoverer by returning a single
// pre-resolved Dialer, standing in for real mDNS/USB enumeration.
type StaticDiscoverer struct {
	Dialer Dialer
}

func (d StaticDiscoverer) Discover(ctx context.Context) (Dialer, error) {
	if d.Dialer == nil {
		return nil, gwerr.New(gwerr.KindDiscoveryAborted, fmt.Errorf("no candidate device found"))
	}
	return d.Dialer, nil
}
