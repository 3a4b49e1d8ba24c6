package index

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/veclake/veclake/codec"
)

// Artifacts are stored as a self-describing envelope:
//
//	magic "VLA1" | index type | codec name | compression | payload
//
// where each string field is length-prefixed by one byte. The payload is
// the plugin's marshalled body, compressed per the compression tag.
// Decoding therefore needs no out-of-band information beyond the registry.

var envelopeMagic = [4]byte{'V', 'L', 'A', '1'}

// Compression selects the artifact payload compression.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression returns the compression named by s.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("unrecognized artifact compression %q", s)
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func compress(comp Compression, payload []byte) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(payload, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unrecognized artifact compression %q", comp)
	}
}

func decompress(comp Compression, payload []byte) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		return zstdDecoder.DecodeAll(payload, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unrecognized artifact compression %q", comp)
	}
}

func appendString(dst []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("envelope field too long: %q", s)
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, io.ErrUnexpectedEOF
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

// EncodeArtifact wraps an artifact into the storage envelope.
func EncodeArtifact(t Type, a Artifact, c codec.Codec, comp Compression) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	if comp == "" {
		comp = CompressionNone
	}

	body, err := t.Marshal(c, a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s artifact: %w", t.Name(), err)
	}
	payload, err := compress(comp, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(payload)+4+3+len(t.Name())+len(c.Name())+len(comp))
	out = append(out, envelopeMagic[:]...)
	if out, err = appendString(out, t.Name()); err != nil {
		return nil, err
	}
	if out, err = appendString(out, c.Name()); err != nil {
		return nil, err
	}
	if out, err = appendString(out, string(comp)); err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// DecodeArtifact unwraps a storage envelope, resolving the plugin and codec
// recorded in its header. It returns the artifact and its index type tag.
func DecodeArtifact(data []byte) (Artifact, string, error) {
	if len(data) < len(envelopeMagic) || !bytes.Equal(data[:4], envelopeMagic[:]) {
		return nil, "", fmt.Errorf("not an index artifact: bad magic")
	}
	rest := data[4:]

	typeName, rest, err := readString(rest)
	if err != nil {
		return nil, "", fmt.Errorf("artifact header: %w", err)
	}
	codecName, rest, err := readString(rest)
	if err != nil {
		return nil, "", fmt.Errorf("artifact header: %w", err)
	}
	compName, rest, err := readString(rest)
	if err != nil {
		return nil, "", fmt.Errorf("artifact header: %w", err)
	}

	t, err := Lookup(typeName)
	if err != nil {
		return nil, "", err
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, "", fmt.Errorf("artifact encoded with unknown codec %q", codecName)
	}
	comp, err := ParseCompression(compName)
	if err != nil {
		return nil, "", err
	}

	body, err := decompress(comp, rest)
	if err != nil {
		return nil, "", fmt.Errorf("decompress %s artifact: %w", typeName, err)
	}
	a, err := t.Unmarshal(c, body)
	if err != nil {
		return nil, "", fmt.Errorf("unmarshal %s artifact: %w", typeName, err)
	}
	return a, typeName, nil
}
