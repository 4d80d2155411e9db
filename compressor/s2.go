// SPDX-License-Identifier: GPL-3.0-or-later

package compressor

import (
	"fmt"
	"slices"

	"github.com/klauspost/compress/s2"
)

// S2 is the S2 block format algorithm, a faster Snappy extension.
var S2 = &Factory{
	Name:     "s2",
	Magic:    0x5332,
	Overhead: HeaderOverhead,
	New: func(blockSize int) (Compressor, error) {
		return newBlockCompressor(blockSize, s2Codec{})
	},
}

type s2Codec struct{}

func (s2Codec) compress(dst, src []byte) ([]byte, bool) {
	bound := s2.MaxEncodedLen(len(src))
	if bound < 0 {
		return dst[:0], false
	}
	dst = slices.Grow(dst[:0], bound)[:bound]
	return s2.Encode(dst, src), true
}

func (s2Codec) decompress(dst, src []byte, rawLen int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return dst, err
	}
	if n != rawLen {
		return dst, fmt.Errorf("decoded length %d, expected %d", n, rawLen)
	}
	start := len(dst)
	dst = slices.Grow(dst, rawLen)[:start+rawLen]
	out, err := s2.Decode(dst[start:], src)
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+len(out)], nil
}
