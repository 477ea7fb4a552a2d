package snapshot

import (
	"bytes"
	"strconv"
)

// AppendJSON writes the full snapshot as a JSON object (every provided
// field plus instrument_id) to buf and returns the extended slice. Hand
// building the object avoids a reflection-based json.Marshal pass on the
// hot fan-out path, in the spirit of the teacher's hand-crafted envelopes.
func (s Snapshot) AppendJSON(buf []byte) []byte {
	buf = append(buf, '{')
	buf = appendStringField(buf, "instrument_id", s.InstrumentID, true)
	s.Provided.Each(func(f Field) {
		buf = append(buf, ',')
		buf = appendNumberField(buf, f.WireName(), s.Values[f])
	})
	buf = append(buf, '}')
	return buf
}

// AppendJSON writes the delta as a JSON object (instrument_id plus only
// the changed fields) to buf and returns the extended slice.
func (d Delta) AppendJSON(buf []byte) []byte {
	buf = append(buf, '{')
	buf = appendStringField(buf, "instrument_id", d.InstrumentID, true)
	d.Fields.Each(func(f Field) {
		buf = append(buf, ',')
		buf = appendNumberField(buf, f.WireName(), d.Values[f])
	})
	buf = append(buf, '}')
	return buf
}

func appendStringField(buf []byte, key, val string, first bool) []byte {
	if !first {
		buf = append(buf, ',')
	}
	buf = append(buf, '"')
	buf = append(buf, key...)
	buf = append(buf, '"', ':', '"')
	buf = append(buf, val...)
	buf = append(buf, '"')
	return buf
}

func appendNumberField(buf []byte, key string, v float64) []byte {
	buf = append(buf, '"')
	buf = append(buf, key...)
	buf = append(buf, '"', ':')
	return strconv.AppendFloat(buf, v, 'g', -1, 64)
}

// MarshalFull is a convenience wrapper returning the full-snapshot JSON as
// its own byte slice.
func (s Snapshot) MarshalFull() []byte {
	var buf bytes.Buffer
	buf.Write(s.AppendJSON(nil))
	return buf.Bytes()
}
