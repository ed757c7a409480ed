// Package ymodem sends a firmware file to a controller that has dropped
// into its OTA bootloader after a FIRMWARE_UPDATE command (spec.md
// §4.10). It owns the transport exclusively for the duration of the
// transfer: no controlbox framing applies here, only raw YMODEM/1K
// control bytes and annotation text during the handshake.
package ymodem

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/gwerr"
)

// Control is a YMODEM/XMODEM protocol control byte.
type Control byte

const (
	ControlSOH Control = 0x01
	ControlSTX Control = 0x02
	ControlEOT Control = 0x04
	ControlEOF Control = 0x1A
	ControlACK Control = 0x06
	ControlNAK Control = 0x15
	ControlCAN Control = 0x18
	ControlC   Control = 0x43
)

const (
	// dataLen is the STX/1K packet payload size.
	dataLen   = 1024
	packetLen = dataLen + 5 // mark, seq, ~seq, data, crc(2)

	handshakeTriggerAttempts = 20
	handshakeTriggerInterval = time.Second
	readyTriggerAttempts     = 10
	nakRetryDelay            = 100 * time.Millisecond
)

// Sender transfers one firmware file over a transport already connected
// to the controller's OTA endpoint.
type Sender struct {
	transport io.ReadWriteCloser
	notify    func(string)
	log       clog.Clog

	byteCh chan byte
	errCh  chan error
}

// New returns a Sender reading and writing the given transport. notify is
// called with human-readable progress messages; it may be nil.
func New(transport io.ReadWriteCloser, notify func(string)) *Sender {
	if notify == nil {
		notify = func(string) {}
	}
	s := &Sender{
		transport: transport,
		notify:    notify,
		log:       clog.NewLogger("ymodem"),
		byteCh:    make(chan byte, 256),
		errCh:     make(chan error, 1),
	}
	go s.readLoop()
	return s
}

func (s *Sender) readLoop() {
	r := bufio.NewReader(s.transport)
	for {
		b, err := r.ReadByte()
		if err != nil {
			s.errCh <- err
			return
		}
		s.byteCh <- b
	}
}

// readByte waits for the next byte from the transport. A timeout of 0
// means wait indefinitely (bounded only by ctx).
func (s *Sender) readByte(ctx context.Context, timeout time.Duration) (byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case b := <-s.byteCh:
		return b, nil
	case err := <-s.errCh:
		return 0, gwerr.New(gwerr.KindConnectionReset, err)
	case <-timer:
		return 0, gwerr.Newf(gwerr.KindTimeout, "ymodem: read timed out after %s", timeout)
	case <-ctx.Done():
		return 0, gwerr.New(gwerr.KindCancelled, ctx.Err())
	}
}

// Send runs the full trigger/transfer sequence for one file (spec.md
// §4.10 steps 1-7).
func (s *Sender) Send(ctx context.Context, filename string, content []byte) error {
	if err := s.triggerHandshake(ctx); err != nil {
		return err
	}
	if err := s.triggerYmodem(ctx); err != nil {
		return err
	}
	if err := s.confirmReady(ctx); err != nil {
		return err
	}

	s.notify(fmt.Sprintf("sending file header for %s", filename))
	if err := s.sendHeader(ctx, filename, len(content)); err != nil {
		return err
	}

	s.notify("sending file body")
	numPackets := (len(content) + dataLen - 1) / dataLen
	for i := 0; i < numPackets; i++ {
		start := i * dataLen
		end := start + dataLen
		if end > len(content) {
			end = len(content)
		}
		seq := byte((i + 1) & 0xFF)
		if err := s.sendData(ctx, seq, content[start:end]); err != nil {
			return err
		}
	}

	if err := s.sendEOT(ctx); err != nil {
		return err
	}

	s.notify("sending closing header")
	if err := s.sendData(ctx, 0, nil); err != nil {
		return err
	}

	s.notify("file transfer done")
	return nil
}

// triggerHandshake writes '\n' until the peer emits a FIRMWARE_UPDATER
// annotation, retrying up to handshakeTriggerAttempts times. A BREWBLOX
// annotation at this stage means the link is connected to the wrong
// endpoint.
func (s *Sender) triggerHandshake(ctx context.Context) error {
	write := func() error {
		_, err := s.transport.Write([]byte("\n"))
		if err != nil {
			return gwerr.New(gwerr.KindConnectionReset, err)
		}
		return nil
	}
	if err := write(); err != nil {
		return err
	}

	var buf strings.Builder
	for i := 0; i < handshakeTriggerAttempts; {
		b, err := s.readByte(ctx, handshakeTriggerInterval)
		if err != nil {
			if gwerr.Is(err, gwerr.KindTimeout) {
				i++
				s.log.Debug("repeating handshake trigger")
				if werr := write(); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		buf.WriteByte(b)
		text := buf.String()
		if strings.Contains(text, "<!BREWBLOX") {
			return gwerr.Newf(gwerr.KindConnectionReset, "ymodem: connected to wrong protocol (controlbox handshake received)")
		}
		if idx := strings.Index(text, "<!FIRMWARE_UPDATER"); idx >= 0 && strings.ContainsRune(text[idx:], '>') {
			s.notify("handshake received")
			return nil
		}
	}
	return gwerr.Newf(gwerr.KindTimeout, "ymodem: controller did not send handshake message")
}

// triggerYmodem writes "F\n" until the peer announces it is ready to
// receive a file, up to readyTriggerAttempts tries of
// handshakeTriggerInterval each.
func (s *Sender) triggerYmodem(ctx context.Context) error {
	write := func() error {
		if _, err := s.transport.Write([]byte("F\n")); err != nil {
			return gwerr.New(gwerr.KindConnectionReset, err)
		}
		return nil
	}
	if err := write(); err != nil {
		return err
	}
	var buf strings.Builder
	for i := 0; i < readyTriggerAttempts; {
		b, err := s.readByte(ctx, handshakeTriggerInterval)
		if err != nil {
			if gwerr.Is(err, gwerr.KindTimeout) {
				i++
				if werr := write(); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		buf.WriteByte(b)
		if strings.Contains(buf.String(), "<!READY_FOR_FIRMWARE>") {
			s.notify("controller is ready for firmware")
			return nil
		}
	}
	return gwerr.Newf(gwerr.KindTimeout, "ymodem: controller did not enter file transfer mode")
}

// confirmReady writes a space repeatedly until two ACKs have been seen.
func (s *Sender) confirmReady(ctx context.Context) error {
	acked := 0
	for acked < 2 {
		if _, err := s.transport.Write([]byte(" ")); err != nil {
			return gwerr.New(gwerr.KindConnectionReset, err)
		}
		b, err := s.readByte(ctx, 0)
		if err != nil {
			return err
		}
		if Control(b) == ControlACK {
			acked++
		}
	}
	return nil
}

// sendHeader sends the seq-0 header packet. The data payload leads with a
// literal STX byte before the filename, matching the reference firmware
// updater's header layout exactly.
func (s *Sender) sendHeader(ctx context.Context, name string, size int) error {
	var data bytes.Buffer
	data.WriteByte(byte(ControlSTX))
	data.WriteString(name)
	data.WriteByte(0)
	data.WriteString(fmt.Sprintf("%d ", size))
	return s.sendData(ctx, 0, data.Bytes())
}

// sendData builds and transmits one STX/1K packet, retrying once after
// nakRetryDelay on a NAK (spec.md §4.10 step 5, §5's YMODEM retry timeout).
func (s *Sender) sendData(ctx context.Context, seq byte, data []byte) error {
	packet := buildPacket(seq, data)
	resp, err := s.sendPacket(ctx, packet)
	if err != nil {
		return err
	}
	if resp == ControlNAK {
		s.log.Debug("retrying packet %d", seq)
		select {
		case <-time.After(nakRetryDelay):
		case <-ctx.Done():
			return gwerr.New(gwerr.KindCancelled, ctx.Err())
		}
		resp, err = s.sendPacket(ctx, packet)
		if err != nil {
			return err
		}
	}
	if resp != ControlACK {
		return gwerr.Newf(gwerr.KindUpdateFailed, "ymodem: packet %d rejected with code 0x%02x", seq, byte(resp))
	}
	return nil
}

// sendEOT sends the end-of-transfer marker and expects an ACK.
func (s *Sender) sendEOT(ctx context.Context) error {
	resp, err := s.sendPacket(ctx, []byte{byte(ControlEOT)})
	if err != nil {
		return err
	}
	if resp != ControlACK {
		return gwerr.Newf(gwerr.KindUpdateFailed, "ymodem: EOT rejected with code 0x%02x", byte(resp))
	}
	return nil
}

// sendPacket writes raw bytes and reads the next non-continue response.
// The receiver may emit a 'C' continue prompt before the real ACK/NAK; it
// carries no information here and is discarded.
func (s *Sender) sendPacket(ctx context.Context, packet []byte) (Control, error) {
	if _, err := s.transport.Write(packet); err != nil {
		return 0, gwerr.New(gwerr.KindConnectionReset, err)
	}
	for {
		b, err := s.readByte(ctx, 0)
		if err != nil {
			return 0, err
		}
		resp := Control(b)
		if resp == ControlC {
			continue
		}
		return resp, nil
	}
}

// buildPacket assembles one STX/1K packet: mark, seq, ~seq, zero-padded
// data, and a literal {0,0} CRC (transmitted but never validated, per
// spec.md §4.10's closing note).
func buildPacket(seq byte, data []byte) []byte {
	packet := make([]byte, 0, packetLen)
	packet = append(packet, byte(ControlSTX), seq, 0xFF-seq)
	padded := make([]byte, dataLen)
	copy(padded, data)
	packet = append(packet, padded...)
	packet = append(packet, 0, 0)
	return packet
}
