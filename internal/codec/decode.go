package codec

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/schema"
	"github.com/brewblox/sparkgw/internal/units"
)

// wireBytes accepts a raw []byte (the in-process Encode/Decode path) or a
// base64 string (what survives a JSON round-trip through Payload.Data,
// since encoding/json renders []byte as base64 — see Payload's doc
// comment in envelope.go).
func wireBytes(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return base64.StdEncoding.DecodeString(v)
	default:
		return nil, fmt.Errorf("expected bytes, got %T", val)
	}
}

// Decode transforms a wire-representation object (as decoded from the
// typed envelope) back into the user-facing representation for the given
// message type.
func (c *Codec) Decode(typeName string, wire map[string]interface{}) (map[string]interface{}, error) {
	msg, err := c.Registry.ByName(typeName)
	if err != nil {
		return nil, err
	}
	return c.decodeFields(msg.Fields, wire)
}

func (c *Codec) decodeFields(fields []schema.Field, wire map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(wire))
	for _, f := range fields {
		val, present := wire[f.Name]
		if !present {
			continue
		}
		if f.Ignored {
			continue
		}

		decoded, omit, err := c.decodeField(f, val)
		if err != nil {
			return nil, err
		}
		if omit {
			continue
		}
		out[f.Name] = decoded
	}
	return out, nil
}

func (c *Codec) decodeField(f schema.Field, val interface{}) (interface{}, bool, error) {
	switch f.Kind {
	case schema.KindObjectLink:
		return c.decodeLink(f, val)
	case schema.KindBitfield:
		return decodeBitfield(f, val)
	}

	if f.Nested != nil {
		if f.Repeated {
			items, _ := val.([]map[string]interface{})
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				dec, err := c.decodeFields(f.Nested.Fields, item)
				if err != nil {
					return nil, false, err
				}
				out = append(out, dec)
			}
			return out, false, nil
		}
		m, _ := val.(map[string]interface{})
		dec, err := c.decodeFields(f.Nested.Fields, m)
		return dec, false, err
	}

	if f.DateTime {
		secs, ok := toInt64(val)
		if !ok {
			return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: expected integer seconds", f.Name)
		}
		if f.NullIfZero && secs == 0 {
			return nil, false, nil
		}
		return time.Unix(secs, 0).UTC().Format(time.RFC3339), false, nil
	}

	if f.IPv4Address {
		n, ok := toUint32(val)
		if !ok {
			return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: expected integer address", f.Name)
		}
		if f.OmitIfZero && n == 0 {
			return nil, true, nil
		}
		return formatIPv4(n), false, nil
	}

	if f.HexStr {
		b, err := wireBytes(val)
		if err != nil {
			return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: %v", f.Name, err)
		}
		return string(b), false, nil
	}

	if f.Hexed {
		b, err := wireBytes(val)
		if err != nil {
			return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: %v", f.Name, err)
		}
		return hex.EncodeToString(b), false, nil
	}

	out, err := c.decodeQuantity(f, val)
	if err != nil {
		return nil, false, err
	}
	if f.OmitIfZero && isZero(val) {
		return nil, true, nil
	}
	return out, false, nil
}

func (c *Codec) decodeQuantity(f schema.Field, val interface{}) (interface{}, error) {
	if f.Unit == units.FamilyNone {
		return val, nil
	}
	raw, ok := toFloat64(val)
	if !ok {
		return nil, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: expected numeric wire value", f.Name)
	}
	unscaled := raw / f.ScaleFactor()
	value, unit := c.Units.FromWire(f.Unit, unscaled)
	return map[string]interface{}{"value": value, "unit": unit}, nil
}

func (c *Codec) decodeLink(f schema.Field, val interface{}) (interface{}, bool, error) {
	nid, ok := toUint16(val)
	if !ok {
		return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: expected nid", f.Name)
	}
	if nid == 0 {
		return nil, false, nil
	}
	entry, err := c.Links.Get(nil, &nid)
	if err != nil {
		if gwerr.Is(err, gwerr.KindUnknownNID) {
			return map[string]interface{}{"nid": nid}, false, nil
		}
		return nil, false, err
	}
	return entry.SID, false, nil
}

func decodeBitfield(f schema.Field, val interface{}) (interface{}, bool, error) {
	bits, ok := toUint32(val)
	if !ok {
		return nil, false, gwerr.Newf(gwerr.KindMalformedFrame, "codec: field %q: expected integer bitmask", f.Name)
	}
	out := make([]string, 0, len(f.Flags))
	for _, fl := range f.Flags {
		if bits&(1<<fl.Bit) != 0 {
			out = append(out, fl.Name)
		}
	}
	return out, false, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func toUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int64:
		return uint32(n), true
	case int:
		return uint32(n), true
	case float64:
		return uint32(n), true
	}
	return 0, false
}

func toUint16(v interface{}) (uint16, bool) {
	switch n := v.(type) {
	case uint16:
		return n, true
	case int64:
		return uint16(n), true
	case int:
		return uint16(n), true
	case float64:
		return uint16(n), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
