package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Payload frame layout: MAGIC (4 bytes) | ENCODING (1 byte) | BODY.
// The frame is applied to plaintext before encryption, so compression
// is invisible on the wire and to content addressing (manifest hashes
// are always over the raw, unframed plaintext).
var payloadMagic = []byte("RSP1")

// Payload encodings.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

const (
	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 256 * 1024 * 1024
)

var (
	// ErrInvalidPayload is returned when a decrypted payload lacks the
	// expected frame.
	ErrInvalidPayload = errors.New("crypto: invalid payload frame")

	// ErrDecompressionBomb is returned when a decompressed payload would
	// exceed MaxDecompressedSize.
	ErrDecompressionBomb = errors.New("crypto: decompressed payload exceeds maximum size")
)

// payloadCodec frames plaintext and compresses it when beneficial.
// Encoder and decoder are goroutine-safe and reused across calls.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &payloadCodec{encoder: enc, decoder: dec}, nil
}

func (c *payloadCodec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode frames the plaintext, compressing it when it is large enough
// and compression actually shrinks it.
func (c *payloadCodec) encode(plaintext []byte) []byte {
	body := plaintext
	encoding := encodingIdentity

	if len(plaintext) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(plaintext, nil)
			if len(compressed) < len(plaintext) {
				body = compressed
				encoding = encodingZstd
			}
		}
	}

	out := make([]byte, 0, len(payloadMagic)+1+len(body))
	out = append(out, payloadMagic...)
	out = append(out, encoding)
	out = append(out, body...)
	return out
}

// decode strips the frame and decompresses the body if needed.
func (c *payloadCodec) decode(framed []byte) ([]byte, error) {
	if len(framed) < len(payloadMagic)+1 {
		return nil, ErrInvalidPayload
	}
	if !bytes.Equal(framed[:len(payloadMagic)], payloadMagic) {
		return nil, ErrInvalidPayload
	}

	encoding := framed[len(payloadMagic)]
	body := framed[len(payloadMagic)+1:]

	switch encoding {
	case encodingIdentity:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, ErrInvalidPayload
		}
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrInvalidPayload, encoding)
	}
}
