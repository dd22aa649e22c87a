package obfuscate

import (
	"bytes"
	"errors"
	"testing"
)

func TestXOR_RoundTrip(t *testing.T) {
	keys := [][]byte{[]byte("k"), []byte("word"), {0x00, 0xff, 0x7f}}
	inputs := [][]byte{
		nil,
		{},
		[]byte("a"),
		[]byte(`{"health":100,"collected":{"coin-42":true}}`),
		bytes.Repeat([]byte{0x00, 0x01, 0xfe}, 97),
	}
	for _, k := range keys {
		for _, in := range inputs {
			enc, err := Encode(in, k)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			dec, err := Decode(enc, k)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(dec, in) {
				t.Fatalf("round trip key=%x: got %x want %x", k, dec, in)
			}
			if len(enc) != len(in) {
				t.Fatalf("length changed: got %d want %d", len(enc), len(in))
			}
		}
	}
}

func TestXOR_Deterministic(t *testing.T) {
	in := []byte("same input, same output")
	a, _ := Encode(in, []byte("word"))
	b, _ := Encode(in, []byte("word"))
	if !bytes.Equal(a, b) {
		t.Fatalf("encode not deterministic: %x vs %x", a, b)
	}
	if bytes.Equal(a, in) {
		t.Fatalf("expected output to differ from input")
	}
}

func TestXOR_KeyCycles(t *testing.T) {
	got, err := XOR([]byte{0, 0, 0, 0, 0}, []byte{1, 2})
	if err != nil {
		t.Fatalf("xor: %v", err)
	}
	want := []byte{1, 2, 1, 2, 1}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestXOR_EmptyKey(t *testing.T) {
	if _, err := Encode([]byte("x"), nil); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := Decode(nil, []byte{}); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey for empty data too, got %v", err)
	}
}

func TestXOR_DoesNotAliasInput(t *testing.T) {
	in := []byte("abc")
	out, _ := XOR(in, []byte("k"))
	out[0] = 'z'
	if in[0] != 'a' {
		t.Fatalf("input was modified")
	}
}
