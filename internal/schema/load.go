package schema

import (
	"fmt"

	"github.com/brewblox/sparkgw/internal/units"
	"gopkg.in/yaml.v3"
)

// yamlField mirrors the on-disk descriptor shape for one field.
type yamlField struct {
	Name        string      `yaml:"name"`
	Unit        string      `yaml:"unit,omitempty"`
	Scale       float64     `yaml:"scale,omitempty"`
	ObjType     string      `yaml:"objtype,omitempty"`
	Bitfield    bool        `yaml:"bitfield,omitempty"`
	Flags       []yamlFlag  `yaml:"flags,omitempty"`
	Hexed       bool        `yaml:"hexed,omitempty"`
	HexStr      bool        `yaml:"hexstr,omitempty"`
	ReadOnly    bool        `yaml:"readonly,omitempty"`
	Logged      bool        `yaml:"logged,omitempty"`
	Stored      bool        `yaml:"stored,omitempty"`
	Ignored     bool        `yaml:"ignored,omitempty"`
	DateTime    bool        `yaml:"datetime,omitempty"`
	IPv4Address bool        `yaml:"ipv4address,omitempty"`
	OmitIfZero  bool        `yaml:"omit_if_zero,omitempty"`
	NullIfZero  bool        `yaml:"null_if_zero,omitempty"`
	Repeated    bool        `yaml:"repeated,omitempty"`
	Nested      []yamlField `yaml:"nested,omitempty"`
}

type yamlFlag struct {
	Bit  uint   `yaml:"bit"`
	Name string `yaml:"name"`
}

// yamlMessage mirrors the on-disk descriptor shape for one message type.
type yamlMessage struct {
	WireTag uint16      `yaml:"wiretag"`
	Name    string      `yaml:"name"`
	ObjType string      `yaml:"objtype"`
	Subtype uint16      `yaml:"subtype,omitempty"`
	Impl    []string    `yaml:"impl,omitempty"`
	Fields  []yamlField `yaml:"fields"`
}

// Load parses a YAML document containing a list of message descriptors and
// registers each of them.
func Load(doc []byte) (*Registry, error) {
	var messages []yamlMessage
	if err := yaml.Unmarshal(doc, &messages); err != nil {
		return nil, fmt.Errorf("schema: parse descriptors: %w", err)
	}

	r := NewRegistry()
	for _, ym := range messages {
		m := convertMessage(ym)
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func convertMessage(ym yamlMessage) *Message {
	return &Message{
		WireTag: ym.WireTag,
		Name:    ym.Name,
		ObjType: ym.ObjType,
		Subtype: ym.Subtype,
		Impl:    ym.Impl,
		Fields:  convertFields(ym.Fields),
	}
}

func convertFields(yfs []yamlField) []Field {
	out := make([]Field, 0, len(yfs))
	for _, yf := range yfs {
		f := Field{
			Name:        yf.Name,
			Unit:        units.Family(yf.Unit),
			Scale:       yf.Scale,
			ObjType:     yf.ObjType,
			Hexed:       yf.Hexed,
			HexStr:      yf.HexStr,
			ReadOnly:    yf.ReadOnly,
			Logged:      yf.Logged,
			Stored:      yf.Stored,
			Ignored:     yf.Ignored,
			DateTime:    yf.DateTime,
			IPv4Address: yf.IPv4Address,
			OmitIfZero:  yf.OmitIfZero,
			NullIfZero:  yf.NullIfZero,
			Repeated:    yf.Repeated,
		}
		switch {
		case yf.ObjType != "":
			f.Kind = KindObjectLink
		case yf.Bitfield:
			f.Kind = KindBitfield
			for _, fl := range yf.Flags {
				f.Flags = append(f.Flags, BitFlag{Bit: fl.Bit, Name: fl.Name})
			}
		default:
			f.Kind = KindPlain
		}
		if len(yf.Nested) > 0 {
			f.Nested = &Message{Fields: convertFields(yf.Nested)}
		}
		out = append(out, f)
	}
	return out
}
