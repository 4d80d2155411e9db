// SPDX-License-Identifier: GPL-3.0-or-later

// Package compressor contains the block compressors used by the compression
// stage, together with the self-describing block header they share.
//
// A frame is [metadata][payload]. The metadata is
//
//	[metaLen u8][mode u8][uvarint payloadLen][uvarint rawLen]
//
// where metaLen is the length of the whole metadata, mode tells whether the
// payload is compressed or stored verbatim, payloadLen is the length of the
// payload and rawLen is the length of the block once decompressed. A reader
// learns the metadata length from the first byte (the preview) and the
// payload length from the complete metadata, which is all the framing layer
// needs to know.
//
// Incompressible blocks are stored verbatim, so the payload is never larger
// than the block and the frame is never larger than the block plus
// [HeaderOverhead] bytes.
package compressor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// MaxBlockSize is the largest block size the handshake can express.
const MaxBlockSize = 0xFFFFFF

// HeaderOverhead is the maximum metadata length.
const HeaderOverhead = 2 + 2*4 // uvarint of a value <= MaxBlockSize takes at most 4 bytes

// PreviewSize is the number of metadata bytes needed to learn the
// metadata length.
const PreviewSize = 1

const minHeaderSize = 4

// Block modes.
const (
	modeStored     byte = 0
	modeCompressed byte = 1
)

var (
	// ErrCorrupt indicates malformed metadata or payload.
	ErrCorrupt = errors.New("compressor: corrupt frame")

	// ErrBlockTooLarge indicates a block larger than the block size.
	ErrBlockTooLarge = errors.New("compressor: block too large")

	// ErrBlockSize indicates an invalid block size.
	ErrBlockSize = errors.New("compressor: invalid block size")
)

// Compressor compresses and decompresses blocks of at most BlockSize bytes.
//
// A Compressor is not safe for concurrent use: use one for each direction.
type Compressor interface {
	// BlockSize returns the maximum size of a block.
	BlockSize() int

	// PreviewSize returns the number of bytes MetadataLength needs.
	PreviewSize() int

	// MetadataLength decodes the total metadata length from the preview.
	MetadataLength(preview []byte) (int, error)

	// PayloadLength decodes the payload length from the complete metadata.
	PayloadLength(meta []byte) (int, error)

	// MaxFrameSize returns the maximum size of a frame.
	MaxFrameSize() int

	// Compress appends the frame encoding block to dst.
	Compress(dst, block []byte) ([]byte, error)

	// Decompress appends the block encoded by meta and payload to dst.
	Decompress(dst, meta, payload []byte) ([]byte, error)
}

// Factory describes a compression algorithm.
type Factory struct {
	// Name is the name used in configuration files.
	Name string

	// Magic identifies the algorithm during the handshake.
	Magic uint16

	// Overhead is the maximum number of bytes a frame adds to a block.
	Overhead int

	// New returns a [Compressor] for the given block size.
	New func(blockSize int) (Compressor, error)
}

// Factories returns the available algorithms.
func Factories() []*Factory {
	return []*Factory{LZ4, S2}
}

// Lookup returns the algorithm with the given name.
func Lookup(name string) (*Factory, bool) {
	idx := slices.IndexFunc(Factories(), func(f *Factory) bool { return f.Name == name })
	if idx < 0 {
		return nil, false
	}
	return Factories()[idx], true
}

// codec is the algorithm specific part of a [Compressor].
type codec interface {
	// compress compresses src into dst and returns false when src is
	// incompressible.
	compress(dst, src []byte) ([]byte, bool)

	// decompress appends to dst the rawLen bytes encoded by src.
	decompress(dst, src []byte, rawLen int) ([]byte, error)
}

// blockCompressor implements [Compressor] on top of a [codec].
type blockCompressor struct {
	blockSize int
	codec     codec
	scratch   []byte
}

func newBlockCompressor(blockSize int, c codec) (*blockCompressor, error) {
	if blockSize <= 0 || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}
	return &blockCompressor{blockSize: blockSize, codec: c}, nil
}

func (c *blockCompressor) BlockSize() int {
	return c.blockSize
}

func (c *blockCompressor) PreviewSize() int {
	return PreviewSize
}

func (c *blockCompressor) MaxFrameSize() int {
	return c.blockSize + HeaderOverhead
}

func (c *blockCompressor) MetadataLength(preview []byte) (int, error) {
	if len(preview) < PreviewSize {
		return 0, fmt.Errorf("%w: short preview", ErrCorrupt)
	}
	metaLen := int(preview[0])
	if metaLen < minHeaderSize || metaLen > HeaderOverhead {
		return 0, fmt.Errorf("%w: metadata length %d", ErrCorrupt, metaLen)
	}
	return metaLen, nil
}

func (c *blockCompressor) PayloadLength(meta []byte) (int, error) {
	hdr, err := c.parseHeader(meta)
	if err != nil {
		return 0, err
	}
	return hdr.payloadLen, nil
}

func (c *blockCompressor) Compress(dst, block []byte) ([]byte, error) {
	if len(block) > c.blockSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, len(block), c.blockSize)
	}
	mode, payload := modeStored, block
	if compressed, ok := c.codec.compress(c.scratch[:0], block); ok {
		c.scratch = compressed
		if len(compressed) < len(block) {
			mode, payload = modeCompressed, compressed
		}
	}

	var hdr [HeaderOverhead]byte
	n := 2
	n += binary.PutUvarint(hdr[n:], uint64(len(payload)))
	n += binary.PutUvarint(hdr[n:], uint64(len(block)))
	hdr[0], hdr[1] = byte(n), mode

	dst = append(dst, hdr[:n]...)
	return append(dst, payload...), nil
}

func (c *blockCompressor) Decompress(dst, meta, payload []byte) ([]byte, error) {
	hdr, err := c.parseHeader(meta)
	if err != nil {
		return dst, err
	}
	if len(payload) != hdr.payloadLen {
		return dst, fmt.Errorf("%w: payload length %d, expected %d", ErrCorrupt, len(payload), hdr.payloadLen)
	}
	if hdr.mode == modeStored {
		return append(dst, payload...), nil
	}
	out, err := c.codec.decompress(dst, payload, hdr.rawLen)
	if err != nil {
		return dst, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(out)-len(dst) != hdr.rawLen {
		return dst, fmt.Errorf("%w: decoded %d bytes, expected %d", ErrCorrupt, len(out)-len(dst), hdr.rawLen)
	}
	return out, nil
}

type header struct {
	mode       byte
	payloadLen int
	rawLen     int
}

func (c *blockCompressor) parseHeader(meta []byte) (header, error) {
	metaLen, err := c.MetadataLength(meta)
	if err != nil {
		return header{}, err
	}
	if len(meta) != metaLen {
		return header{}, fmt.Errorf("%w: metadata is %d bytes, expected %d", ErrCorrupt, len(meta), metaLen)
	}
	mode := meta[1]
	if mode != modeStored && mode != modeCompressed {
		return header{}, fmt.Errorf("%w: unknown mode %d", ErrCorrupt, mode)
	}
	rest := meta[2:]
	payloadLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return header{}, fmt.Errorf("%w: payload length", ErrCorrupt)
	}
	rest = rest[n:]
	rawLen, n := binary.Uvarint(rest)
	if n <= 0 || n != len(rest) {
		return header{}, fmt.Errorf("%w: raw length", ErrCorrupt)
	}
	if rawLen > uint64(c.blockSize) {
		return header{}, fmt.Errorf("%w: raw length %d > %d", ErrBlockTooLarge, rawLen, c.blockSize)
	}
	if payloadLen > rawLen || (mode == modeStored && payloadLen != rawLen) {
		return header{}, fmt.Errorf("%w: payload length %d for raw length %d", ErrCorrupt, payloadLen, rawLen)
	}
	return header{mode: mode, payloadLen: int(payloadLen), rawLen: int(rawLen)}, nil
}
