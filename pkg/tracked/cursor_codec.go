package tracked

import (
	"encoding/base64"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Cursor wire fields. The layout is a protobuf message:
//
//	message Cursor {
//	  uint64 xid_at = 1;
//	  sint64 xid_at_id = 2;
//	  repeated uint64 xip_list = 3 [packed = true];
//	  uint64 xid_next = 4;
//	}
const (
	fieldXidAt   protowire.Number = 1
	fieldXidAtID protowire.Number = 2
	fieldXipList protowire.Number = 3
	fieldXidNext protowire.Number = 4
)

// Encode returns the opaque token form of c: the protobuf encoding above
// with unpadded URL-safe base64 applied.
func (c Cursor) Encode() string {
	var b []byte
	if c.XidAt != 0 {
		b = protowire.AppendTag(b, fieldXidAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.XidAt))
	}
	if c.XidAtID != 0 {
		b = protowire.AppendTag(b, fieldXidAtID, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(c.XidAtID))
	}
	if xip := normalizeTxIDs(c.XipList); len(xip) > 0 {
		var packed []byte
		for _, t := range xip {
			packed = protowire.AppendVarint(packed, uint64(t))
		}
		b = protowire.AppendTag(b, fieldXipList, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, fieldXidNext, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.XidNext))
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode. Any malformed or tampered
// input yields an error matching ErrMalformedCursor; whether to restart the
// stream in that case is up to the caller.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, malformed(err)
	}

	var c Cursor
	var sawXidNext bool
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Cursor{}, malformed(protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldXidAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			c.XidAt = TxID(v)
			raw = raw[n:]
		case num == fieldXidAtID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			c.XidAtID = protowire.DecodeZigZag(v)
			raw = raw[n:]
		case num == fieldXipList && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Cursor{}, malformed(protowire.ParseError(m))
				}
				c.XipList = append(c.XipList, TxID(v))
				packed = packed[m:]
			}
			raw = raw[n:]
		case num == fieldXipList && typ == protowire.VarintType:
			// unpacked encoding of the same repeated field
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			c.XipList = append(c.XipList, TxID(v))
			raw = raw[n:]
		case num == fieldXidNext && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			c.XidNext = TxID(v)
			sawXidNext = true
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return Cursor{}, malformed(protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}

	if !sawXidNext {
		return Cursor{}, malformed(errors.New("missing xid_next"))
	}
	c.XipList = normalizeTxIDs(c.XipList)
	if err := c.validate(); err != nil {
		return Cursor{}, malformed(err)
	}
	return c, nil
}

// MarshalText implements encoding.TextMarshaler so cursors can be embedded
// in JSON, YAML or HCL documents as their token.
func (c Cursor) MarshalText() ([]byte, error) {
	return []byte(c.Encode()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cursor) UnmarshalText(text []byte) error {
	decoded, err := DecodeCursor(string(text))
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

func malformed(err error) error {
	return errors.Mark(errors.Wrap(err, "decode cursor"), ErrMalformedCursor)
}
