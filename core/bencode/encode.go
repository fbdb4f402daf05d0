package bencode

import (
	"bytes"
	"strconv"
)

// Encode serializes a value deterministically. Dictionary entries are emitted
// in bytewise-ascending key order; values built through Set already maintain
// that order.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

// EncodeTo serializes a value into an existing buffer.
func EncodeTo(buf *bytes.Buffer, v *Value) {
	encodeTo(buf, v)
}

func encodeTo(buf *bytes.Buffer, v *Value) {
	switch v.kind {
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.str)))
		buf.WriteByte(':')
		buf.Write(v.str)
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.integer, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.list {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, p := range v.dict {
			buf.WriteString(strconv.Itoa(len(p.Key)))
			buf.WriteByte(':')
			buf.Write(p.Key)
			encodeTo(buf, p.Value)
		}
		buf.WriteByte('e')
	}
}
