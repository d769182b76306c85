// Package bloom implements the key bloom filter stored next to each table
// segment so point lookups can skip segments that cannot hold a key.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// KeySet is a bloom filter over string keys. A key that was added always
// reports MayContain true; other keys report true with roughly the
// configured false positive rate. KeySet is not safe for concurrent Add.
type KeySet struct {
	bits  []uint64
	m     uint64 // number of bits
	k     uint64 // number of probes
	count uint64
}

// New sizes a KeySet for n keys at false positive rate p.
func New(n int, p float64) *KeySet {
	m, k := Size(n, p)
	words := (m + 63) / 64
	return &KeySet{bits: make([]uint64, words), m: uint64(words * 64), k: uint64(k)}
}

// Size returns the bit count and probe count for n keys at rate p:
// m = -n ln p / ln2², k = m/n ln2.
func Size(n int, p float64) (m, k int) {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	bits := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	m = int(math.Ceil(bits))
	k = int(math.Round(bits / float64(n) * math.Ln2))
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	return m, k
}

// Add inserts a key.
func (s *KeySet) Add(key string) {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < s.k; i++ {
		pos := (h1 + i*h2) % s.m
		s.bits[pos/64] |= 1 << (pos % 64)
	}
	s.count++
}

// MayContain reports whether key may have been added.
func (s *KeySet) MayContain(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < s.k; i++ {
		pos := (h1 + i*h2) % s.m
		if s.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (s *KeySet) Count() uint64 { return s.count }

// Bits returns the filter size in bits.
func (s *KeySet) Bits() int { return int(s.m) }

// Probes returns the number of hash probes per key.
func (s *KeySet) Probes() int { return int(s.k) }

// EstimatedFPR returns (1 - e^(-kn/m))^k for the current fill.
func (s *KeySet) EstimatedFPR() float64 {
	if s.count == 0 {
		return 0
	}
	k, n, m := float64(s.k), float64(s.count), float64(s.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

var magic = [4]byte{'O', 'L', 'K', 'S'}

const headerSize = 4 + 1 + 3*8

// Marshal encodes the filter as magic, version, m, k, count followed by the
// snappy-compressed bit array.
func (s *KeySet) Marshal() []byte {
	raw := make([]byte, len(s.bits)*8)
	for i, w := range s.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	compressed := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize, headerSize+len(compressed))
	copy(buf, magic[:])
	buf[4] = 1
	binary.LittleEndian.PutUint64(buf[5:], s.m)
	binary.LittleEndian.PutUint64(buf[13:], s.k)
	binary.LittleEndian.PutUint64(buf[21:], s.count)
	return append(buf, compressed...)
}

// ErrCorrupt is returned for undecodable filter bytes.
var ErrCorrupt = errors.New("bloom: corrupt key set")

// Unmarshal decodes a filter produced by Marshal.
func Unmarshal(data []byte) (*KeySet, error) {
	if len(data) < headerSize || [4]byte(data[:4]) != magic {
		return nil, ErrCorrupt
	}
	if data[4] != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}
	m := binary.LittleEndian.Uint64(data[5:])
	k := binary.LittleEndian.Uint64(data[13:])
	count := binary.LittleEndian.Uint64(data[21:])
	if m == 0 || m%64 != 0 || k == 0 {
		return nil, fmt.Errorf("%w: bad parameters m=%d k=%d", ErrCorrupt, m, k)
	}

	raw, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(raw)) != m/8 {
		return nil, fmt.Errorf("%w: expected %d bytes of bits, got %d", ErrCorrupt, m/8, len(raw))
	}
	bits := make([]uint64, m/64)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &KeySet{bits: bits, m: m, k: k, count: count}, nil
}
