// SPDX-License-Identifier: GPL-3.0-or-later

package compressor

import (
	"slices"

	"github.com/pierrec/lz4/v4"
)

// LZ4 is the LZ4 block format algorithm.
var LZ4 = &Factory{
	Name:     "lz4",
	Magic:    0x2A18,
	Overhead: HeaderOverhead,
	New: func(blockSize int) (Compressor, error) {
		return newBlockCompressor(blockSize, &lz4Codec{})
	},
}

type lz4Codec struct {
	c lz4.Compressor
}

func (lc *lz4Codec) compress(dst, src []byte) ([]byte, bool) {
	dst = slices.Grow(dst[:0], lz4.CompressBlockBound(len(src)))[:lz4.CompressBlockBound(len(src))]
	n, err := lc.c.CompressBlock(src, dst)
	if err != nil || n <= 0 {
		return dst[:0], false
	}
	return dst[:n], true
}

func (lc *lz4Codec) decompress(dst, src []byte, rawLen int) ([]byte, error) {
	start := len(dst)
	dst = slices.Grow(dst, rawLen)[:start+rawLen]
	n, err := lz4.UncompressBlock(src, dst[start:])
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+n], nil
}
