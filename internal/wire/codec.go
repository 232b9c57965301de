package wire

import "encoding/binary"

// ErrNeedMore names the condition the decoders below report by consuming
// zero bytes (n == 0): the supplied bytes are a valid prefix of a longer
// encoding. The decoders do not return it themselves. It is never a hard
// error: per spec, a short
// read (or a length-encoded integer that would extend past the available
// buffer) means the caller should keep the partial state and try again
// once more bytes arrive.
type errNeedMore struct{}

func (errNeedMore) Error() string { return "wire: need more bytes" }

// ErrNeedMore is the sentinel value; compare with errors.Is.
var ErrNeedMore error = errNeedMore{}

// MariaDB length-encoded integer lead bytes.
const (
	lencNull  = 0xfb
	lenc2Byte = 0xfc
	lenc3Byte = 0xfd
	lenc8Byte = 0xfe
)

// ReadLengthEncodedInt decodes a length-encoded integer from b. It returns
// the value, whether the value was SQL NULL, and the number of bytes
// consumed. If b is too short to contain the full encoding it returns
// (0, false, 0) — the caller must treat that as ErrNeedMore, not an error.
func ReadLengthEncodedInt(b []byte) (value uint64, isNull bool, n int) {
	if len(b) == 0 {
		return 0, false, 0
	}
	switch b[0] {
	case lencNull:
		return 0, true, 1
	case lenc2Byte:
		if len(b) < 3 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8, false, 3
	case lenc3Byte:
		if len(b) < 4 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, false, 4
	case lenc8Byte:
		if len(b) < 9 {
			return 0, false, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), false, 9
	default:
		return uint64(b[0]), false, 1
	}
}

// PutLengthEncodedInt encodes n using the MariaDB length-encoded integer
// convention: < 0xFB is itself, 0xFC/0xFD/0xFE introduce 2/3/8-byte forms.
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{lenc2Byte, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{lenc3Byte, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		out := make([]byte, 9)
		out[0] = lenc8Byte
		binary.LittleEndian.PutUint64(out[1:], n)
		return out
	}
}

// ReadLengthEncodedString decodes a length-encoded string: a
// length-encoded integer followed by that many raw bytes. Returns
// ErrNeedMore (via n == 0) if the payload bytes are not yet available.
func ReadLengthEncodedString(b []byte) (value []byte, isNull bool, n int) {
	length, isNull, hdr := ReadLengthEncodedInt(b)
	if hdr == 0 {
		return nil, false, 0
	}
	if isNull {
		return nil, true, hdr
	}
	total := hdr + int(length)
	if len(b) < total {
		return nil, false, 0
	}
	return b[hdr:total], false, total
}

// PutLengthEncodedString encodes s with its length prefix.
func PutLengthEncodedString(s []byte) []byte {
	out := PutLengthEncodedInt(uint64(len(s)))
	return append(out, s...)
}

// ReadNullTerminatedString reads bytes up to and including a 0x00
// terminator. Returns ErrNeedMore (n == 0) if no terminator is present.
func ReadNullTerminatedString(b []byte) (value []byte, n int) {
	for i, c := range b {
		if c == 0 {
			return b[:i], i + 1
		}
	}
	return nil, 0
}

// ReadFixedInt reads a little-endian fixed-width unsigned integer of
// byteLen bytes (1, 2, 3, 4 or 8).
func ReadFixedInt(b []byte, byteLen int) (value uint64, ok bool) {
	if len(b) < byteLen {
		return 0, false
	}
	for i := byteLen - 1; i >= 0; i-- {
		value = value<<8 | uint64(b[i])
	}
	return value, true
}

// PutFixedInt encodes value as a little-endian fixed-width integer of
// byteLen bytes.
func PutFixedInt(value uint64, byteLen int) []byte {
	out := make([]byte, byteLen)
	for i := 0; i < byteLen; i++ {
		out[i] = byte(value)
		value >>= 8
	}
	return out
}
