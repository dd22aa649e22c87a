// Package codec turns a GameData into the bytes written to disk and back.
//
// Encode: JSON -> optional zstd -> optional XOR obfuscation.
// Decode runs the stages in reverse and validates the JSON against an
// embedded schema, so anything that does not look like a save is reported as
// ErrCorrupt rather than silently loading as zero values.
package codec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"keepsake.gg/internal/persistence/gamedata"
	"keepsake.gg/internal/persistence/obfuscate"
)

var ErrCorrupt = errors.New("codec: corrupt save data")

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("codec: unknown compression %q", s)
	}
}

type Options struct {
	Obfuscate   bool
	Key         []byte
	Compression Compression
}

type Codec struct {
	opts Options
}

//go:embed gamedata.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("gamedata.schema.json", schemaJSON)

func New(opts Options) (*Codec, error) {
	if opts.Obfuscate && len(opts.Key) == 0 {
		return nil, fmt.Errorf("codec: obfuscation enabled: %w", obfuscate.ErrEmptyKey)
	}
	c, err := ParseCompression(string(opts.Compression))
	if err != nil {
		return nil, err
	}
	opts.Compression = c
	opts.Key = append([]byte(nil), opts.Key...)
	return &Codec{opts: opts}, nil
}

func (c *Codec) Options() Options { return c.opts }

func (c *Codec) Encode(d *gamedata.GameData) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("codec: nil game data")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	if c.opts.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		b = enc.EncodeAll(b, nil)
		_ = enc.Close()
	}
	if c.opts.Obfuscate {
		return obfuscate.Encode(b, c.opts.Key)
	}
	return b, nil
}

func (c *Codec) Decode(b []byte) (*gamedata.GameData, error) {
	var err error
	if c.opts.Obfuscate {
		if b, err = obfuscate.Decode(b, c.opts.Key); err != nil {
			return nil, err
		}
	}
	if c.opts.Compression == CompressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		b, err = dec.DecodeAll(b, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
	}

	var raw any
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	if err := d.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var out gamedata.GameData
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out.Normalize()
	return &out, nil
}
