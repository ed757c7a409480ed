package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayloadDecodePayloadRoundTrip(t *testing.T) {
	c, _ := newTestCodec(t)
	p, err := c.EncodePayload(5, "OneWireBus", map[string]interface{}{"address": "deadbeef"})
	require.NoError(t, err)

	typeName, fields, err := c.DecodePayload(p)
	require.NoError(t, err)
	assert.Equal(t, "OneWireBus", typeName)
	assert.Equal(t, "deadbeef", fields["address"])
}

func TestEnvelopeRoundTripNoPayload(t *testing.T) {
	req := EncodedRequest{MsgID: 42, OpCode: 3}
	raw := EncodeEnvelope(req)

	// A response envelope shares the same leading msgId/errorCode/count
	// layout; fabricate a zero-error, zero-payload response from the
	// same msgId to exercise DecodeEnvelope without a real controller.
	respRaw := append([]byte{raw[0], raw[1], 0, 0})
	resp, err := DecodeEnvelope(respRaw)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), resp.MsgID)
	assert.Equal(t, 0, resp.ErrorCode)
	assert.Empty(t, resp.Payloads)
}

func TestEnvelopeRoundTripWithPayload(t *testing.T) {
	c, _ := newTestCodec(t)
	p, err := c.EncodePayload(9, "OneWireBus", map[string]interface{}{"address": "cafe"})
	require.NoError(t, err)

	req := EncodedRequest{MsgID: 7, OpCode: 1, Payload: &p}
	raw := EncodeEnvelope(req)

	// Build a matching response envelope carrying the same payload back.
	respRaw := append([]byte{raw[0], raw[1], 0, 1}, raw[4:]...)
	resp, err := DecodeEnvelope(respRaw)
	require.NoError(t, err)
	require.Len(t, resp.Payloads, 1)
	assert.Equal(t, uint16(9), resp.Payloads[0].BlockID)

	typeName, fields, err := c.DecodePayload(resp.Payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "OneWireBus", typeName)
	assert.Equal(t, "cafe", fields["address"])
}
