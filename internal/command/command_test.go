package command

import (
	"context"
	"testing"
	"time"

	"github.com/brewblox/sparkgw/internal/codec"
	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	lines []string
}

func (w *fakeWriter) Write(line string) error {
	w.lines = append(w.lines, line)
	return nil
}

func TestExecuteSuccessRoundTrip(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := c.Execute(context.Background(), OpReadObject, &codec.Payload{BlockID: 1})
		require.NoError(t, err)
		assert.Equal(t, 0, resp.ErrorCode)
	}()

	require.Eventually(t, func() bool { return len(w.lines) == 1 }, time.Second, time.Millisecond)

	raw, err := codec.FromHex(w.lines[0])
	require.NoError(t, err)
	req, err := decodeRequestForTest(raw)
	require.NoError(t, err)

	c.HandleResponse(codec.EncodedResponse{MsgID: req.MsgID, ErrorCode: 0})
	<-done
}

func TestExecuteTimeout(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 10*time.Millisecond)

	_, err := c.Execute(context.Background(), OpReadObject, nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindTimeout))
}

func TestExecuteCommandFailedCarriesControllerCode(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), OpWriteObject, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(w.lines) == 1 }, time.Second, time.Millisecond)
	raw, _ := codec.FromHex(w.lines[0])
	req, _ := decodeRequestForTest(raw)
	c.HandleResponse(codec.EncodedResponse{MsgID: req.MsgID, ErrorCode: 7})

	err := <-done
	require.Error(t, err)
	var ge *gwerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerr.KindCommandFailed, ge.Kind)
	assert.Equal(t, 7, ge.ControllerCode)
}

func TestSetConnectedFalseFailsOutstanding(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), OpReadObject, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(w.lines) == 1 }, time.Second, time.Millisecond)
	c.SetConnected(false)

	err := <-done
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindNotConnected))
}

func TestExecuteSerializesConcurrentCalls(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, time.Second)

	results := make(chan error, 2)
	go func() {
		_, err := c.Execute(context.Background(), OpReadObject, &codec.Payload{BlockID: 1})
		results <- err
	}()
	go func() {
		_, err := c.Execute(context.Background(), OpReadObject, &codec.Payload{BlockID: 2})
		results <- err
	}()

	require.Eventually(t, func() bool { return len(w.lines) == 1 }, time.Second, time.Millisecond)
	// The second call must stay blocked behind the first's in-flight
	// round trip, not write its own request yet.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, w.lines, 1)

	raw, err := codec.FromHex(w.lines[0])
	require.NoError(t, err)
	req, err := decodeRequestForTest(raw)
	require.NoError(t, err)
	c.HandleResponse(codec.EncodedResponse{MsgID: req.MsgID})
	require.NoError(t, <-results)

	require.Eventually(t, func() bool { return len(w.lines) == 2 }, time.Second, time.Millisecond)
	raw2, err := codec.FromHex(w.lines[1])
	require.NoError(t, err)
	req2, err := decodeRequestForTest(raw2)
	require.NoError(t, err)
	c.HandleResponse(codec.EncodedResponse{MsgID: req2.MsgID})
	require.NoError(t, <-results)
}

func TestNoReplyOpcodesReturnImmediately(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, time.Second)
	_, err := c.Execute(context.Background(), OpReboot, nil)
	require.NoError(t, err)
	assert.Len(t, w.lines, 1)
}

// decodeRequestForTest pulls the msgId back out of an encoded request's
// raw bytes, mirroring the layout EncodeEnvelope writes.
func decodeRequestForTest(raw []byte) (codec.EncodedRequest, error) {
	if len(raw) < 3 {
		return codec.EncodedRequest{}, assert.AnError
	}
	return codec.EncodedRequest{
		MsgID:  uint16(raw[0])<<8 | uint16(raw[1]),
		OpCode: raw[2],
	}, nil
}
