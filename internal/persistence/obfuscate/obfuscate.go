// Package obfuscate implements the reversible byte transform applied to save
// files. It is keyed XOR: it hides the payload from casual inspection and
// offers no confidentiality or integrity.
package obfuscate

import "errors"

var ErrEmptyKey = errors.New("obfuscate: empty key")

// XOR returns a new slice where each byte of data is xored with
// key[i%len(key)]. Applying it twice with the same key yields data again.
func XOR(data, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}

func Encode(data, key []byte) ([]byte, error) { return XOR(data, key) }
func Decode(data, key []byte) ([]byte, error) { return XOR(data, key) }
