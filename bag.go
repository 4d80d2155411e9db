// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"maps"
	"slices"
	"sync"
)

// Keys of the [*Bag] shared by the stages constructing one chain.
const (
	// KeyRemoteHost is the peer host (string).
	KeyRemoteHost = "remote_host"

	// KeyRemotePort is the peer port (int).
	KeyRemotePort = "remote_port"

	// KeyTCPNoDelay is whether Nagle's algorithm is disabled (bool).
	KeyTCPNoDelay = "tcp_nodelay"

	// KeyTCPBufferSize is the socket buffer size, zero meaning default (int).
	KeyTCPBufferSize = "tcp_buffer_size"

	// KeyBind is the bind specifier a listener was created from (string).
	KeyBind = "bind"

	// KeyLocalPort is the local port (int).
	KeyLocalPort = "local_port"

	// KeyLocalHost is the local host (string).
	KeyLocalHost = "local_host"

	// KeyLocalAddr is the local endpoint as host:port (string).
	KeyLocalAddr = "local_addr"

	// KeyRemoteAddr is the remote endpoint as host:port (string).
	KeyRemoteAddr = "remote_addr"

	// KeyComprMaxBlockSize is an extra upper bound for the compression
	// block size (int).
	KeyComprMaxBlockSize = "compr_max_block_size"

	// KeyComprBlockSize is the negotiated compression block size (int).
	KeyComprBlockSize = "compr_block_size"

	// KeyLastBuffSize is the most recent buffer bound negotiated by any
	// stage; later stages must fit inside it (int).
	KeyLastBuffSize = "last_buff_size"

	// KeyTunnelID is the ID of the raw transport tunnel (string).
	KeyTunnelID = "tunnel_id"

	// KeyTransport is the name of the transport ("tcp", "websocket").
	KeyTransport = "transport"
)

// Bag is the key/value negotiation bag passed down a chain during
// construction. Earlier stages set values that later stages read.
//
// A Bag is safe for concurrent use. The zero value is ready to use.
type Bag struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewBag returns an empty [*Bag].
func NewBag() *Bag {
	return &Bag{}
}

// Set sets key to value.
func (b *Bag) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.values == nil {
		b.values = make(map[string]any)
	}
	b.values[key] = value
}

// Get returns the value of key and whether it is set.
func (b *Bag) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// Delete removes key.
func (b *Bag) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
}

// Keys returns the sorted list of keys.
func (b *Bag) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.values))
}

// Clone returns a shallow copy of b.
func (b *Bag) Clone() *Bag {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Bag{values: maps.Clone(b.values)}
}

// BagValue returns the value of key if set and of type T.
func BagValue[T any](b *Bag, key string) (T, bool) {
	v, ok := b.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// BagInt returns the integer value of key. Any Go integer type is
// accepted and converted to int.
func BagInt(b *Bag, key string) (int, bool) {
	v, ok := b.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

// BagString returns the string value of key.
func BagString(b *Bag, key string) (string, bool) {
	return BagValue[string](b, key)
}

// BagBool returns the boolean value of key.
func BagBool(b *Bag, key string) (bool, bool) {
	return BagValue[bool](b, key)
}
