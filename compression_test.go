// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bassosimone/hops/compressor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshakeResult struct {
	h   *Handoff
	err error
}

// runHandshake runs the client and the server compression nodes over a
// pipe and returns their outcomes.
func runHandshake(t *testing.T, clientCfg, serverCfg *CompressionConfig,
	prepare func(clientBag, serverBag *Bag)) (handshakeResult, handshakeResult) {
	ch, sh := newPipeHandoffs(t)
	if prepare != nil {
		prepare(ch.Bag, sh.Bag)
	}
	client := NewCompressionNode(NewConfig(), clientCfg, RoleClient, DefaultSLogger())
	server := NewCompressionNode(NewConfig(), serverCfg, RoleServer, DefaultSLogger())

	done := make(chan handshakeResult, 1)
	go func() {
		h, err := server.Call(context.Background(), sh)
		done <- handshakeResult{h, err}
	}()
	h, err := client.Call(context.Background(), ch)
	cres := handshakeResult{h, err}
	sres := <-done
	for _, res := range []handshakeResult{cres, sres} {
		if res.h != nil {
			t.Cleanup(func() { res.h.Tunnel.Dispose() })
		}
	}
	return cres, sres
}

func TestCompressionNodeKind(t *testing.T) {
	node := NewCompressionNode(NewConfig(), &CompressionConfig{
		Algorithms: []*compressor.Factory{compressor.LZ4},
		BlockSize:  4096,
	}, RoleServer, DefaultSLogger())
	assert.Equal(t, KindCompression, node.Kind())
	assert.Equal(t, RoleServer, node.Role)
	assert.Equal(t, "server", RoleServer.String())
	assert.Equal(t, "client", RoleClient.String())
}

func TestNewCompressionNodeWithoutAlgorithms(t *testing.T) {
	assert.Panics(t, func() {
		NewCompressionNode(NewConfig(), &CompressionConfig{BlockSize: 1}, RoleClient, DefaultSLogger())
	})
}

// The server clamps the requested size to its maximum and the first block
// crosses the tunnel intact.
func TestCompressionHandshakeClampsToServerMax(t *testing.T) {
	cres, sres := runHandshake(t,
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 4096},
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 2048},
		nil,
	)
	require.NoError(t, cres.err)
	require.NoError(t, sres.err)

	for _, h := range []*Handoff{cres.h, sres.h} {
		size, _ := BagInt(h.Bag, KeyComprBlockSize)
		assert.Equal(t, 2048, size)
		last, _ := BagInt(h.Bag, KeyLastBuffSize)
		assert.Equal(t, 2048, last)
		assert.Equal(t, StateOnline, h.Tunnel.State())
	}

	block := bytes.Repeat([]byte{0xFF}, 2048)
	go func() {
		n, err := cres.h.Tunnel.WriteData(block)
		assert.NoError(t, err)
		assert.Equal(t, 2048, n)
	}()
	got := make([]byte, 2048)
	_, err := io.ReadFull(NewReadWriteCloser(sres.h.Tunnel), got)
	require.NoError(t, err)
	assert.Equal(t, block, got)
}

func TestCompressionHandshakeBlockSizes(t *testing.T) {
	cases := []struct {
		name      string
		requested int
		serverMax int
		want      int
	}{
		{"large request", 65536, 32768, 32768},
		{"smaller request echoed", 1024, 4096, 1024},
		{"equal", 8192, 8192, 8192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cres, sres := runHandshake(t,
				&CompressionConfig{Algorithms: []*compressor.Factory{compressor.S2}, BlockSize: tc.requested},
				&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4, compressor.S2}, BlockSize: tc.serverMax},
				nil,
			)
			require.NoError(t, cres.err)
			require.NoError(t, sres.err)
			got, _ := BagInt(cres.h.Bag, KeyComprBlockSize)
			assert.Equal(t, tc.want, got)
			got, _ = BagInt(sres.h.Bag, KeyComprBlockSize)
			assert.Equal(t, tc.want, got)
		})
	}
}

// Data larger than a block is split by the writer and reassembled by
// the reader.
func TestCompressionRoundTripManyBlocks(t *testing.T) {
	cres, sres := runHandshake(t,
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.S2}, BlockSize: 65536},
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.S2}, BlockSize: 32768},
		nil,
	)
	require.NoError(t, cres.err)
	require.NoError(t, sres.err)

	data := make([]byte, 100_000)
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range data {
		data[i] = byte(rng.IntN(4)) // compressible but not trivially
	}

	n, err := cres.h.Tunnel.WriteData(data[:0])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	go func() {
		_, err := NewReadWriteCloser(cres.h.Tunnel).Write(data)
		assert.NoError(t, err)
	}()
	got := make([]byte, len(data))
	_, err = io.ReadFull(NewReadWriteCloser(sres.h.Tunnel), got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCompressionHandshakeBagBounds(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(clientBag, serverBag *Bag)
		want    int
	}{
		{
			name:    "max block size on server",
			prepare: func(_, sb *Bag) { sb.Set(KeyComprMaxBlockSize, 500) },
			want:    500,
		},
		{
			name:    "last buffer size minus overhead",
			prepare: func(_, sb *Bag) { sb.Set(KeyLastBuffSize, 1000) },
			want:    1000 - compressor.HeaderOverhead,
		},
		{
			name:    "client bound lowers the request",
			prepare: func(cb, _ *Bag) { cb.Set(KeyComprMaxBlockSize, 300) },
			want:    300,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cres, sres := runHandshake(t,
				&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 4096},
				&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 4096},
				tc.prepare,
			)
			require.NoError(t, cres.err)
			require.NoError(t, sres.err)
			got, _ := BagInt(cres.h.Bag, KeyComprBlockSize)
			assert.Equal(t, tc.want, got)
			got, _ = BagInt(sres.h.Bag, KeyLastBuffSize)
			assert.Equal(t, tc.want, got)
		})
	}
}

// A prior bound too small for the compressor metadata fails the handshake
// on the server and both upstreams are disposed.
func TestCompressionHandshakeNoRoom(t *testing.T) {
	cres, sres := runHandshake(t,
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 4096},
		&CompressionConfig{Algorithms: []*compressor.Factory{compressor.LZ4}, BlockSize: 4096},
		func(_, sb *Bag) { sb.Set(KeyLastBuffSize, compressor.HeaderOverhead) },
	)
	require.ErrorIs(t, sres.err, ErrHandshake)
	require.ErrorIs(t, cres.err, ErrHandshake)
	assert.Nil(t, sres.h)
	assert.Nil(t, cres.h)
}

func TestCompressionHandshakeUnknownMagic(t *testing.T) {
	logger, records := newCapturingLogger()
	ch, sh := newPipeHandoffs(t)
	server := NewCompressionNode(NewConfig(), &CompressionConfig{
		Algorithms: []*compressor.Factory{compressor.LZ4},
		BlockSize:  4096,
	}, RoleServer, logger)
	client := NewCompressionNode(NewConfig(), &CompressionConfig{
		Algorithms: []*compressor.Factory{compressor.S2},
		BlockSize:  4096,
	}, RoleClient, DefaultSLogger())

	done := make(chan error, 1)
	go func() {
		_, err := server.Call(context.Background(), sh)
		done <- err
	}()
	_, err := client.Call(context.Background(), ch)
	require.ErrorIs(t, err, ErrHandshake)

	err = <-done
	require.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "0x5332")
	assert.Equal(t, StateOffline, sh.Tunnel.State())
	assert.Equal(t, StateOffline, ch.Tunnel.State())
	assert.Equal(t, []string{"compressionHandshakeStart", "compressionHandshakeDone"}, recordMessages(*records))
}

// The client refuses a size larger than the one it asked for.
func TestCompressionClientRejectsLargerGrant(t *testing.T) {
	ch, sh := newPipeHandoffs(t)
	client := NewCompressionNode(NewConfig(), &CompressionConfig{
		Algorithms: []*compressor.Factory{compressor.LZ4},
		BlockSize:  4096,
	}, RoleClient, DefaultSLogger())

	go func() {
		hello := make([]byte, 5)
		if err := readFullTunnel(sh.Tunnel, hello); err != nil {
			return
		}
		_ = writeFullTunnel(sh.Tunnel, []byte{0x00, 0x20, 0x00}) // 8192
	}()
	h, err := client.Call(context.Background(), ch)
	require.ErrorIs(t, err, ErrHandshake)
	assert.Nil(t, h)
	assert.Equal(t, StateOffline, ch.Tunnel.State())
}

func TestCompressionHandshakeHonoursContext(t *testing.T) {
	_, sh := newPipeHandoffs(t)
	server := NewCompressionNode(NewConfig(), &CompressionConfig{
		Algorithms: []*compressor.Factory{compressor.LZ4},
		BlockSize:  4096,
	}, RoleServer, DefaultSLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h, err := server.Call(ctx, sh)
	require.ErrorIs(t, err, ErrHandshake)
	assert.Nil(t, h)
	assert.Equal(t, StateOffline, sh.Tunnel.State())
}

// writeFrames writes the frames encoding blocks one byte at a time, so
// that the reader sees nothing but short reads.
func writeFrames(t *testing.T, raw Tunnel, c compressor.Compressor, blocks ...[]byte) {
	var wire []byte
	for _, block := range blocks {
		var err error
		wire, err = c.Compress(wire, block)
		require.NoError(t, err)
	}
	go func() {
		for i := range wire {
			if _, err := raw.WriteData(wire[i : i+1]); err != nil {
				return
			}
		}
	}()
}

func TestFrameReaderShortReads(t *testing.T) {
	up, raw := newPipeStreams(t)
	tunnel, err := newCompressedTunnel(up, compressor.LZ4, 4096)
	require.NoError(t, err)
	defer tunnel.Dispose()

	c, err := compressor.LZ4.New(4096)
	require.NoError(t, err)
	zeros := make([]byte, 4096)
	writeFrames(t, raw, c, []byte("hello, "), nil, []byte("world"), zeros)

	// a small buffer leaves data for the following reads
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len("hello, world") {
		n, err := tunnel.ReadData(buf)
		require.NoError(t, err)
		require.Positive(t, n) // the empty frame is never surfaced
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hello, world", string(got))

	all := make([]byte, 4096)
	_, err = io.ReadFull(NewReadWriteCloser(tunnel), all)
	require.NoError(t, err)
	assert.Equal(t, zeros, all)
}

func TestFrameReaderRejectsOversizedPayload(t *testing.T) {
	up, raw := newPipeStreams(t)
	tunnel, err := newCompressedTunnel(up, compressor.LZ4, 16)
	require.NoError(t, err)
	defer tunnel.Dispose()

	c, err := compressor.LZ4.New(4096)
	require.NoError(t, err)
	block := make([]byte, 100)
	rng := rand.New(rand.NewPCG(3, 5))
	for i := range block {
		block[i] = byte(rng.Uint32())
	}
	writeFrames(t, raw, c, block)

	_, err = tunnel.ReadData(make([]byte, 100))
	require.ErrorIs(t, err, ErrFrame)
	require.ErrorIs(t, err, ErrEOF)
	assert.Equal(t, StateOffline, tunnel.State())
	assert.Equal(t, StateOffline, up.State())
}

func TestFrameReaderRejectsGarbage(t *testing.T) {
	up, raw := newPipeStreams(t)
	tunnel, err := newCompressedTunnel(up, compressor.S2, 1024)
	require.NoError(t, err)
	defer tunnel.Dispose()

	go raw.WriteData([]byte{0xFF, 0xFF, 0xFF})
	_, err = tunnel.ReadData(make([]byte, 16))
	require.ErrorIs(t, err, ErrFrame)
}

// Writes larger than a block consume one block per call.
func TestFrameWriterOneBlockPerCall(t *testing.T) {
	up, raw := newPipeStreams(t)
	tunnel, err := newCompressedTunnel(up, compressor.S2, 8)
	require.NoError(t, err)
	defer tunnel.Dispose()

	frames := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := raw.ReadData(buf)
		frames <- buf[:n]
	}()
	n, err := tunnel.WriteData([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	c, err := compressor.S2.New(8)
	require.NoError(t, err)
	frame := <-frames
	metaLen := int(frame[0])
	got, err := c.Decompress(nil, frame[:metaLen], frame[metaLen:])
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(got))
}

func TestCompressedTunnelLifecycle(t *testing.T) {
	t.Run("disconnect reaches the upstream", func(t *testing.T) {
		up, _ := newPipeStreams(t)
		tunnel, err := newCompressedTunnel(up, compressor.LZ4, 1024)
		require.NoError(t, err)
		require.NoError(t, tunnel.Disconnect())
		assert.Equal(t, StateOffline, up.State())
	})

	t.Run("upstream going offline is followed", func(t *testing.T) {
		up, _ := newPipeStreams(t)
		tunnel, err := newCompressedTunnel(up, compressor.LZ4, 1024)
		require.NoError(t, err)
		require.NoError(t, up.Disconnect())
		assert.Equal(t, StateOffline, tunnel.State())
		_, err = tunnel.ReadData(make([]byte, 1))
		require.ErrorIs(t, err, ErrEOF)
	})

	t.Run("peer close gives EOF", func(t *testing.T) {
		up, raw := newPipeStreams(t)
		tunnel, err := newCompressedTunnel(up, compressor.LZ4, 1024)
		require.NoError(t, err)
		require.NoError(t, raw.Disconnect())
		_, err = tunnel.ReadData(make([]byte, 1))
		require.ErrorIs(t, err, ErrEOF)
	})
}
