package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndWrite(t *testing.T) {
	mt := NewMockTransport()
	l := New(MockDialer{Transport: mt}, DefaultBackoff)

	require.NoError(t, l.Connect(context.Background()))
	require.NoError(t, l.Write("deadbeef"))
	assert.Equal(t, "deadbeef\n", string(mt.Written()))
}

func TestRunDispatchesEventsAndData(t *testing.T) {
	mt := NewMockTransport()
	l := New(MockDialer{Transport: mt}, DefaultBackoff)
	require.NoError(t, l.Connect(context.Background()))

	var events []string
	var data []string
	disconnected := make(chan struct{})
	l.OnEvent = func(e string) { events = append(events, e) }
	l.OnResponse = func(d string) { data = append(data, d) }
	l.OnDisconnect = func() { close(disconnected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	mt.PushInbound([]byte("<!connected:sensor>0A0B\n"))
	mt.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after transport close")
	}

	<-disconnected
	assert.Equal(t, []string{"connected:sensor"}, events)
	assert.Equal(t, []string{"0A0B"}, data)
}
