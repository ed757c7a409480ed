package ymodem

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runFakeController plays the controller side of the protocol over conn,
// recording every packet it receives.
func runFakeController(t *testing.T, conn net.Conn, packets *[][]byte, mu *sync.Mutex) {
	t.Helper()
	r := bufio.NewReader(conn)

	_, err := r.ReadByte() // initial '\n' handshake trigger
	require.NoError(t, err)
	_, err = conn.Write([]byte("<!FIRMWARE_UPDATER,1,2,3,4,5,6,7>"))
	require.NoError(t, err)

	f, err := r.ReadByte()
	require.NoError(t, err)
	nl, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('F'), f)
	require.Equal(t, byte('\n'), nl)
	_, err = conn.Write([]byte("<!READY_FOR_FIRMWARE>"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sp, err := r.ReadByte()
		require.NoError(t, err)
		require.Equal(t, byte(' '), sp)
		_, err = conn.Write([]byte{byte(ControlACK)})
		require.NoError(t, err)
	}

	readPacket := func() []byte {
		buf := make([]byte, packetLen)
		_, err := io.ReadFull(r, buf)
		require.NoError(t, err)
		return buf
	}
	record := func(p []byte) {
		mu.Lock()
		*packets = append(*packets, p)
		mu.Unlock()
	}

	record(readPacket()) // header
	_, err = conn.Write([]byte{byte(ControlACK)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		record(readPacket())
		_, err = conn.Write([]byte{byte(ControlACK)})
		require.NoError(t, err)
	}

	eot, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(ControlEOT), eot)
	_, err = conn.Write([]byte{byte(ControlACK)})
	require.NoError(t, err)

	record(readPacket()) // closing header
	_, err = conn.Write([]byte{byte(ControlACK)})
	require.NoError(t, err)
}

func TestSendHappyPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var mu sync.Mutex
	var packets [][]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeController(t, server, &packets, &mu)
	}()

	var notesMu sync.Mutex
	var notes []string
	sender := New(client, func(msg string) {
		notesMu.Lock()
		notes = append(notes, msg)
		notesMu.Unlock()
	})

	content := bytes.Repeat([]byte{0xAB}, 3000) // 3 packets: 1024, 1024, 952

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, "firmware.bin", content))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake controller did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, packets, 5) // header + 3 data packets + closing header

	header := packets[0]
	assert.Equal(t, byte(ControlSTX), header[0])
	assert.Equal(t, byte(0x00), header[1])
	assert.Equal(t, byte(0xFF), header[2])

	for i, p := range packets[1:4] {
		seq := byte(i + 1)
		assert.Equal(t, byte(ControlSTX), p[0])
		assert.Equal(t, seq, p[1], "packet %d seq", i+1)
		assert.Equal(t, byte(0xFF)-seq, p[2], "packet %d neg seq", i+1)
	}

	closing := packets[4]
	assert.Equal(t, byte(0x00), closing[1])
	assert.Equal(t, byte(0xFF), closing[2])
	assert.Equal(t, make([]byte, dataLen), closing[3:3+dataLen])

	notesMu.Lock()
	defer notesMu.Unlock()
	assert.Contains(t, notes, "file transfer done")
}

func TestTriggerHandshakeWrongProtocol(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		_, _ = r.ReadByte()
		_, _ = server.Write([]byte("<!BREWBLOX,1,2,3,4,5,6,POR,0x0,abc>"))
	}()

	sender := New(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sender.triggerHandshake(ctx)
	require.Error(t, err)
}

func TestSendDataRetriesOnceAfterNAK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		buf := make([]byte, packetLen)
		_, _ = io.ReadFull(r, buf)
		_, _ = server.Write([]byte{byte(ControlNAK)})
		_, _ = io.ReadFull(r, buf) // retried packet
		_, _ = server.Write([]byte{byte(ControlACK)})
	}()

	sender := New(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sender.sendData(ctx, 1, []byte("hello"))
	require.NoError(t, err)
}

func TestBuildPacketNegatedSequence(t *testing.T) {
	p := buildPacket(7, []byte("x"))
	assert.Equal(t, byte(ControlSTX), p[0])
	assert.Equal(t, byte(7), p[1])
	assert.Equal(t, byte(0xFF-7), p[2])
	assert.Len(t, p, packetLen)
}
