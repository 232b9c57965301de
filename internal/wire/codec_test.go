package wire

import "testing"

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 250, 251, 65535, 65536, 1<<24 - 1, 1 << 24, 1<<64 - 1}
	for _, v := range values {
		enc := PutLengthEncodedInt(v)
		got, isNull, n := ReadLengthEncodedInt(enc)
		if isNull {
			t.Fatalf("value %d: unexpected null", v)
		}
		if n != len(enc) {
			t.Fatalf("value %d: consumed %d bytes, want %d", v, n, len(enc))
		}
		if got != v {
			t.Fatalf("value %d: round-tripped to %d", v, got)
		}
	}
}

func TestReadLengthEncodedIntNull(t *testing.T) {
	_, isNull, n := ReadLengthEncodedInt([]byte{0xfb})
	if !isNull || n != 1 {
		t.Fatalf("expected null, consumed 1, got null=%v n=%d", isNull, n)
	}
}

func TestReadLengthEncodedIntNeedsMore(t *testing.T) {
	cases := [][]byte{
		{0xfc, 0x01},
		{0xfd, 0x01, 0x02},
		{0xfe, 0x01, 0x02, 0x03},
		{},
	}
	for _, c := range cases {
		_, _, n := ReadLengthEncodedInt(c)
		if n != 0 {
			t.Fatalf("case %v: expected need-more (n=0), got n=%d", c, n)
		}
	}
}

func TestLengthEncodedStringRoundTrip(t *testing.T) {
	s := []byte("hello world")
	enc := PutLengthEncodedString(s)
	got, isNull, n := ReadLengthEncodedString(enc)
	if isNull {
		t.Fatal("unexpected null")
	}
	if n != len(enc) {
		t.Fatalf("consumed %d, want %d", n, len(enc))
	}
	if string(got) != string(s) {
		t.Fatalf("got %q, want %q", got, s)
	}
}

func TestLengthEncodedStringNeedsMore(t *testing.T) {
	enc := PutLengthEncodedString([]byte("hello"))
	_, _, n := ReadLengthEncodedString(enc[:len(enc)-2])
	if n != 0 {
		t.Fatalf("expected need-more on truncated string, got n=%d", n)
	}
}

func TestReadNullTerminatedString(t *testing.T) {
	got, n := ReadNullTerminatedString([]byte("abc\x00def"))
	if string(got) != "abc" || n != 4 {
		t.Fatalf("got %q n=%d", got, n)
	}
	if _, n := ReadNullTerminatedString([]byte("no terminator")); n != 0 {
		t.Fatalf("expected need-more, got n=%d", n)
	}
}

func TestFixedIntRoundTrip(t *testing.T) {
	for _, byteLen := range []int{1, 2, 3, 4, 8} {
		var max uint64 = 1<<(uint(byteLen)*8) - 1
		enc := PutFixedInt(max, byteLen)
		got, ok := ReadFixedInt(enc, byteLen)
		if !ok || got != max {
			t.Fatalf("byteLen=%d: got %d ok=%v, want %d", byteLen, got, ok, max)
		}
	}
}
