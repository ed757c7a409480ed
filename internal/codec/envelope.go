package codec

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/brewblox/sparkgw/internal/gwerr"
)

// Payload is one block's wire-typed content (spec.md §6): a block id, its
// object type and subtype discriminators, and the type's encoded body.
//
// Data holds the JSON encoding of the schema-driven generic field map
// (§9: "a schema-driven generic representation ... is also acceptable").
// The compiled message wire encoding itself is explicitly out of scope
// (spec.md §1 treats compiled schema descriptors as input data); JSON is
// a stand-in serialization for that per-type body, chosen because it
// round-trips the generic map[string]interface{} shape the codec
// produces without needing a bespoke binary format per message type.
type Payload struct {
	BlockID uint16
	ObjType uint16
	Subtype uint16
	Data    []byte
}

// EncodedRequest is a fully-encoded outbound command: an opcode, a msgId
// for correlation, and an optional payload.
type EncodedRequest struct {
	MsgID   uint16
	OpCode  uint8
	Payload *Payload
}

// EncodedResponse is a fully-decoded inbound reply: the correlating
// msgId, an error code (0 on success), and zero or more payloads.
type EncodedResponse struct {
	MsgID     uint16
	ErrorCode int
	Payloads  []Payload
}

// EncodePayload marshals a message type's field map into a Payload ready
// for envelope framing.
func (c *Codec) EncodePayload(blockID uint16, typeName string, fields map[string]interface{}) (Payload, error) {
	msg, err := c.Registry.ByName(typeName)
	if err != nil {
		return Payload{}, err
	}
	wire, err := c.Encode(typeName, fields)
	if err != nil {
		return Payload{}, err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return Payload{}, gwerr.Newf(gwerr.KindMalformedFrame, "codec: marshal payload: %v", err)
	}
	return Payload{BlockID: blockID, ObjType: msg.WireTag, Data: data}, nil
}

// DecodePayload resolves a Payload's object type against the registry and
// decodes its body into the user-facing field map.
func (c *Codec) DecodePayload(p Payload) (string, map[string]interface{}, error) {
	msg, err := c.Registry.ByTag(p.ObjType)
	if err != nil {
		return "", nil, err
	}
	var wire map[string]interface{}
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &wire); err != nil {
			return "", nil, gwerr.Newf(gwerr.KindMalformedFrame, "codec: unmarshal payload: %v", err)
		}
	}
	user, err := c.Decode(msg.Name, wire)
	return msg.Name, user, err
}

// EncodeEnvelope serializes a request to its raw wire bytes: a 2-byte
// msgId, 1-byte opcode, 1-byte payload-present flag, and (if present)
// the payload's blockId/objtype/subtype/length-prefixed data.
func EncodeEnvelope(req EncodedRequest) []byte {
	buf := make([]byte, 0, 16+len(payloadDataOrEmpty(req.Payload)))
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], req.MsgID)
	buf = append(buf, hdr[:]...)
	buf = append(buf, req.OpCode)

	if req.Payload == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = appendPayload(buf, *req.Payload)
	return buf
}

func payloadDataOrEmpty(p *Payload) []byte {
	if p == nil {
		return nil
	}
	return p.Data
}

func appendPayload(buf []byte, p Payload) []byte {
	var fields [6]byte
	binary.BigEndian.PutUint16(fields[0:2], p.BlockID)
	binary.BigEndian.PutUint16(fields[2:4], p.ObjType)
	binary.BigEndian.PutUint16(fields[4:6], p.Subtype)
	buf = append(buf, fields[:]...)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(p.Data)))
	buf = append(buf, length[:]...)
	return append(buf, p.Data...)
}

// DecodeEnvelope parses raw wire bytes (as produced by the controller)
// into an EncodedResponse: a 2-byte msgId, 1-byte error code, 1-byte
// payload count, then that many length-prefixed payloads.
func DecodeEnvelope(raw []byte) (EncodedResponse, error) {
	if len(raw) < 4 {
		return EncodedResponse{}, gwerr.Newf(gwerr.KindMalformedFrame, "codec: envelope too short")
	}
	msgID := binary.BigEndian.Uint16(raw[0:2])
	errCode := int(int8(raw[2]))
	count := int(raw[3])
	pos := 4

	resp := EncodedResponse{MsgID: msgID, ErrorCode: errCode}
	for i := 0; i < count; i++ {
		if pos+8 > len(raw) {
			return EncodedResponse{}, gwerr.Newf(gwerr.KindMalformedFrame, "codec: truncated payload header")
		}
		blockID := binary.BigEndian.Uint16(raw[pos : pos+2])
		objType := binary.BigEndian.Uint16(raw[pos+2 : pos+4])
		subtype := binary.BigEndian.Uint16(raw[pos+4 : pos+6])
		length := int(binary.BigEndian.Uint16(raw[pos+6 : pos+8]))
		pos += 8
		if pos+length > len(raw) {
			return EncodedResponse{}, gwerr.Newf(gwerr.KindMalformedFrame, "codec: truncated payload data")
		}
		data := append([]byte(nil), raw[pos:pos+length]...)
		pos += length
		resp.Payloads = append(resp.Payloads, Payload{BlockID: blockID, ObjType: objType, Subtype: subtype, Data: data})
	}
	return resp, nil
}

// ToHex renders raw envelope bytes as the hex-ASCII wire line the
// controller link expects (spec.md §6: "one hex-encoded envelope per
// line, newline-terminated").
func ToHex(raw []byte) string {
	return hex.EncodeToString(raw)
}

// FromHex parses a hex-ASCII wire line back into raw bytes. Malformed
// (odd-length or non-hex) input is reported as MALFORMED_FRAME, matching
// the frame parser's contract of handing the codec clean but opaque
// strings.
func FromHex(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	b, err := hex.DecodeString(line)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindMalformedFrame, "codec: malformed hex frame: %v", err)
	}
	return b, nil
}
