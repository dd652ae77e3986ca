package zipcrypto

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

func TestInitialKeys(t *testing.T) {
	k := NewKeys(nil)
	if k.k0 != 0x12345678 || k.k1 != 0x23456789 || k.k2 != 0x34567890 {
		t.Errorf("initial keys %08x %08x %08x", k.k0, k.k1, k.k2)
	}
}

func TestRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	pw := []byte("secret")
	var buf bytes.Buffer
	w, err := newWriter(&buf, pw, 0xab, bytes.NewReader(make([]byte, 11)))
	if err != nil {
		t.Fatal(err)
	}
	w.Write(payload[:10])
	w.Write(payload[10:])
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("wrote %d bytes", buf.Len())
	}
	if bytes.Contains(buf.Bytes(), []byte("quick")) {
		t.Fatal("plaintext leaked")
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), pw, 0xab)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q", got)
	}
}

func TestWrongPassword(t *testing.T) {
	var buf bytes.Buffer
	newWriter(&buf, []byte("right"), 0x5a, bytes.NewReader(make([]byte, 11)))
	// a wrong password passes the one-byte check 1 time in 256
	rejected := 0
	for i := range 64 {
		_, err := NewReader(bytes.NewReader(buf.Bytes()), []byte{'w', byte(i)}, 0x5a)
		if errors.Is(err, ErrPassword) && errors.Is(err, arcerr.ErrIntegrity) {
			rejected++
		}
	}
	if rejected < 56 {
		t.Errorf("only %d of 64 wrong passwords rejected", rejected)
	}
	if _, err := NewReader(bytes.NewReader(buf.Bytes()), []byte("right"), 0x5a); err != nil {
		t.Errorf("right password: %v", err)
	}
}

func TestShortHeader(t *testing.T) {
	_, err := NewReader(bytes.NewReader(make([]byte, 5)), nil, 0)
	if !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("got %v", err)
	}
}

func TestCheckByte(t *testing.T) {
	if CheckByte(0xdeadbeef, 0x1234, false) != 0xde {
		t.Error("crc check byte")
	}
	if CheckByte(0xdeadbeef, 0x1234, true) != 0x12 {
		t.Error("time check byte")
	}
}
