// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"code.hybscloud.com/kont"
	"github.com/bassosimone/hops/bridge"
	"github.com/bassosimone/hops/compressor"
	"github.com/bassosimone/runtimex"
)

// Role is the side of a stage that negotiates with its peer.
type Role int

const (
	// RoleClient initiates the negotiation.
	RoleClient Role = iota

	// RoleServer answers the negotiation.
	RoleServer
)

// String implements [fmt.Stringer].
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// CompressionConfig configures a [*CompressionNode].
type CompressionConfig struct {
	// Algorithms contains the algorithms. A client offers the first one,
	// a server accepts any of them.
	Algorithms []*compressor.Factory

	// BlockSize is the block size a client requests or the maximum block
	// size a server grants.
	BlockSize int
}

// NewCompressionNode returns a new [*CompressionNode].
//
// The cfg argument contains the common configuration for hops operations.
//
// The ccfg argument contains the algorithms and the block size.
//
// The role argument selects the side of the handshake.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// This function panics if ccfg contains no algorithms.
func NewCompressionNode(cfg *Config, ccfg *CompressionConfig, role Role, logger SLogger) *CompressionNode {
	runtimex.Assert(len(ccfg.Algorithms) > 0)
	return &CompressionNode{
		Algorithms:    slices.Clone(ccfg.Algorithms),
		BlockSize:     ccfg.BlockSize,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Role:          role,
		TimeNow:       cfg.TimeNow,
	}
}

// CompressionNode negotiates a compressor and a block size with the peer
// and returns a tunnel exchanging compressed frames over the upstream.
//
// The client sends [magic u16 LE][requested block size u24 LE] and the
// server answers with [effective block size u24 LE]. The effective size is
// the smallest of the requested size, the server BlockSize, the
// [KeyComprMaxBlockSize] bag value and the [KeyLastBuffSize] bag value
// minus the compressor overhead. Both sides store the effective size into
// the bag as [KeyComprBlockSize] and [KeyLastBuffSize].
//
// The handshake I/O is bound to the context: when it is done, the upstream
// is disconnected and the handshake fails.
//
// All fields are safe to modify after construction but before first use.
type CompressionNode struct {
	// Algorithms contains the algorithms.
	//
	// Set by [NewCompressionNode] from [CompressionConfig.Algorithms].
	Algorithms []*compressor.Factory

	// BlockSize is the requested or the maximum block size.
	//
	// Set by [NewCompressionNode] from [CompressionConfig.BlockSize].
	BlockSize int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewCompressionNode] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewCompressionNode] to the user-provided logger.
	Logger SLogger

	// Role is the side of the handshake.
	//
	// Set by [NewCompressionNode] to the user-provided role.
	Role Role

	// TimeNow is the function to get the current time.
	//
	// Set by [NewCompressionNode] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Node = &CompressionNode{}

// Kind implements [Node].
func (op *CompressionNode) Kind() NodeKind {
	return KindCompression
}

// Call implements [Node].
func (op *CompressionNode) Call(ctx context.Context, h *Handoff) (*Handoff, error) {
	up := h.Tunnel
	stop := context.AfterFunc(ctx, func() {
		_ = up.Disconnect()
	})

	t0 := op.TimeNow()
	op.Logger.Info(
		"compressionHandshakeStart",
		slog.String("role", op.Role.String()),
		slog.Time("t", t0),
		slog.String("tunnelID", up.ID()),
	)

	var (
		factory   *compressor.Factory
		blockSize int
		err       error
	)
	if op.Role == RoleServer {
		factory, blockSize, err = op.serverHandshake(h.Bag, up)
	} else {
		factory, blockSize, err = op.clientHandshake(h.Bag, up)
	}
	if !stop() && err == nil {
		err = fmt.Errorf("%w: %w", ErrHandshake, context.Cause(ctx))
	}

	var algorithm string
	if factory != nil {
		algorithm = factory.Name
	}
	op.Logger.Info(
		"compressionHandshakeDone",
		slog.String("algorithm", algorithm),
		slog.Int("blockSize", blockSize),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("role", op.Role.String()),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
		slog.String("tunnelID", up.ID()),
	)
	if err != nil {
		up.Dispose()
		return nil, err
	}

	tunnel, err := newCompressedTunnel(up, factory, blockSize)
	if err != nil {
		up.Dispose()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	h.Bag.Set(KeyComprBlockSize, blockSize)
	h.Bag.Set(KeyLastBuffSize, blockSize)
	return &Handoff{Bag: h.Bag, Tunnel: tunnel}, nil
}

// clampBlockSize applies the bag bounds to size.
func clampBlockSize(bag *Bag, size, overhead int) int {
	size = min(size, compressor.MaxBlockSize)
	if v, ok := BagInt(bag, KeyComprMaxBlockSize); ok {
		size = min(size, v)
	}
	if v, ok := BagInt(bag, KeyLastBuffSize); ok {
		size = min(size, v-overhead)
	}
	return size
}

func (op *CompressionNode) clientHandshake(bag *Bag, up Tunnel) (*compressor.Factory, int, error) {
	factory := op.Algorithms[0]
	requested := clampBlockSize(bag, op.BlockSize, factory.Overhead)
	if requested <= 0 {
		return factory, 0, fmt.Errorf("%w: no room for a %s block", ErrHandshake, factory.Name)
	}

	var hello [5]byte
	binary.LittleEndian.PutUint16(hello[:2], factory.Magic)
	putUint24(hello[2:], requested)
	if err := writeFullTunnel(up, hello[:]); err != nil {
		return factory, 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	var reply [3]byte
	if err := readFullTunnel(up, reply[:]); err != nil {
		return factory, 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	effective := getUint24(reply[:])
	if effective <= 0 || effective > requested {
		return factory, 0, fmt.Errorf("%w: server granted %d for a request of %d", ErrHandshake, effective, requested)
	}
	return factory, effective, nil
}

func (op *CompressionNode) serverHandshake(bag *Bag, up Tunnel) (*compressor.Factory, int, error) {
	var hello [5]byte
	if err := readFullTunnel(up, hello[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	magic := binary.LittleEndian.Uint16(hello[:2])
	idx := slices.IndexFunc(op.Algorithms, func(f *compressor.Factory) bool { return f.Magic == magic })
	if idx < 0 {
		return nil, 0, fmt.Errorf("%w: unknown compressor magic 0x%04x", ErrHandshake, magic)
	}
	factory := op.Algorithms[idx]

	requested := getUint24(hello[2:])
	effective := clampBlockSize(bag, min(requested, op.BlockSize), factory.Overhead)
	if effective <= 0 {
		return factory, 0, fmt.Errorf("%w: no room for a %s block", ErrHandshake, factory.Name)
	}

	var reply [3]byte
	putUint24(reply[:], effective)
	if err := writeFullTunnel(up, reply[:]); err != nil {
		return factory, 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return factory, effective, nil
}

func putUint24(b []byte, v int) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

func getUint24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func readFullTunnel(t Tunnel, p []byte) error {
	for len(p) > 0 {
		n, err := t.ReadData(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func writeFullTunnel(t Tunnel, p []byte) error {
	for len(p) > 0 {
		n, err := t.WriteData(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// newCompressedTunnel returns an Online tunnel compressing the data it
// writes to up and decompressing the data it reads from up.
func newCompressedTunnel(up Tunnel, factory *compressor.Factory, blockSize int) (*Stream, error) {
	rc, err := factory.New(blockSize)
	if err != nil {
		return nil, err
	}
	wc, err := factory.New(blockSize)
	if err != nil {
		return nil, err
	}
	backend := &compressedBackend{
		reader: newFrameReader(up, rc),
		up:     up,
		writer: &frameWriter{c: wc, up: up},
	}
	s := NewAsyncStream(NewTunnelID(), backend)
	_ = s.Open() // cannot fail on a fresh stream
	followUpstream(s, up)
	return s, nil
}

// compressedBackend is the [AsyncBackend] of a compressed tunnel.
type compressedBackend struct {
	reader *frameReader
	up     Tunnel
	writer *frameWriter
}

var _ Disposer = &compressedBackend{}

// ReadTask implements [AsyncBackend].
func (b *compressedBackend) ReadTask(p []byte) kont.Eff[int] {
	return b.reader.read(p)
}

// WriteTask implements [AsyncBackend].
func (b *compressedBackend) WriteTask(p []byte) kont.Eff[int] {
	return b.writer.write(p)
}

// Close implements [AsyncBackend].
func (b *compressedBackend) Close() error {
	return b.up.Disconnect()
}

// Dispose implements [Disposer].
func (b *compressedBackend) Dispose() error {
	return b.up.Dispose()
}

// framePhase is the position of a [*frameReader] within a frame.
type framePhase int

const (
	phasePreview framePhase = iota
	phaseMetadataLength
	phaseMetadata
	phasePayloadLength
	phasePayload
)

// frameReader parses frames pulled from the upstream.
//
// The parser state survives across upstream reads, so a short read just
// leaves the parser in the same phase with more bytes buffered. Decoded
// bytes that do not fit the caller buffer are kept for the next read.
// The state also survives across calls, but a single call keeps pulling
// until it decodes a non-empty block, so it never returns zero bytes.
type frameReader struct {
	c          compressor.Compressor
	decoded    []byte
	filled     int
	meta       []byte
	metaLen    int
	offset     int
	payload    []byte
	payloadLen int
	phase      framePhase
	up         Tunnel
}

func newFrameReader(up Tunnel, c compressor.Compressor) *frameReader {
	return &frameReader{
		c:       c,
		decoded: make([]byte, 0, c.BlockSize()),
		meta:    make([]byte, c.MaxFrameSize()-c.BlockSize()),
		payload: make([]byte, c.BlockSize()),
		up:      up,
	}
}

func (r *frameReader) read(p []byte) kont.Eff[int] {
	if len(p) <= 0 {
		return kont.Pure(0)
	}
	if r.offset < len(r.decoded) {
		return kont.Pure(r.drain(p))
	}
	return r.step(p)
}

func (r *frameReader) drain(p []byte) int {
	n := copy(p, r.decoded[r.offset:])
	r.offset += n
	return n
}

// step advances the parser until either a block is decoded or the parser
// needs more upstream bytes.
func (r *frameReader) step(p []byte) kont.Eff[int] {
	for {
		switch r.phase {
		case phasePreview:
			if r.filled < r.c.PreviewSize() {
				return r.fill(p, r.meta[:r.c.PreviewSize()])
			}
			r.phase = phaseMetadataLength

		case phaseMetadataLength:
			metaLen, err := r.c.MetadataLength(r.meta[:r.filled])
			if err != nil {
				return bridge.Fail[int](fmt.Errorf("%w: %w", ErrFrame, err))
			}
			if metaLen > len(r.meta) || metaLen < r.filled {
				return bridge.Fail[int](fmt.Errorf("%w: metadata length %d", ErrFrame, metaLen))
			}
			r.metaLen = metaLen
			r.phase = phaseMetadata

		case phaseMetadata:
			if r.filled < r.metaLen {
				return r.fill(p, r.meta[:r.metaLen])
			}
			r.phase = phasePayloadLength

		case phasePayloadLength:
			payloadLen, err := r.c.PayloadLength(r.meta[:r.metaLen])
			if err != nil {
				return bridge.Fail[int](fmt.Errorf("%w: %w", ErrFrame, err))
			}
			if payloadLen > len(r.payload) {
				return bridge.Fail[int](fmt.Errorf("%w: payload length %d exceeds %d", ErrFrame, payloadLen, len(r.payload)))
			}
			r.payloadLen = payloadLen
			r.filled = 0
			r.phase = phasePayload

		case phasePayload:
			if r.filled < r.payloadLen {
				return r.fill(p, r.payload[:r.payloadLen])
			}
			decoded, err := r.c.Decompress(r.decoded[:0], r.meta[:r.metaLen], r.payload[:r.payloadLen])
			if err != nil {
				return bridge.Fail[int](fmt.Errorf("%w: %w", ErrFrame, err))
			}
			r.decoded, r.offset = decoded, 0
			r.filled, r.phase = 0, phasePreview
			if len(decoded) > 0 {
				return kont.Pure(r.drain(p))
			}
		}
	}
}

// fill reads into buf past the bytes already filled and resumes parsing.
func (r *frameReader) fill(p, buf []byte) kont.Eff[int] {
	return kont.Bind(bridge.Await(r.up.ReadDataAsync(buf[r.filled:])), func(n int) kont.Eff[int] {
		r.filled += n
		return r.step(p)
	})
}

// frameWriter turns each write into exactly one frame.
type frameWriter struct {
	buf []byte
	c   compressor.Compressor
	up  Tunnel
}

// write compresses at most one block of p and flushes the frame. It
// returns the number of bytes of p consumed.
func (w *frameWriter) write(p []byte) kont.Eff[int] {
	if len(p) <= 0 {
		return kont.Pure(0)
	}
	block := p[:min(len(p), w.c.BlockSize())]
	frame, err := w.c.Compress(w.buf[:0], block)
	if err != nil {
		return bridge.Fail[int](fmt.Errorf("%w: %w", ErrFrame, err))
	}
	w.buf = frame
	return kont.Bind(w.flush(frame), func(struct{}) kont.Eff[int] {
		return kont.Pure(len(block))
	})
}

func (w *frameWriter) flush(frame []byte) kont.Eff[struct{}] {
	if len(frame) <= 0 {
		return kont.Pure(struct{}{})
	}
	return kont.Bind(bridge.Await(w.up.WriteDataAsync(frame)), func(n int) kont.Eff[struct{}] {
		if n <= 0 {
			return bridge.Fail[struct{}](io.ErrShortWrite)
		}
		return w.flush(frame[n:])
	})
}
