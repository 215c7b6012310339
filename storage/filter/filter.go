package filter

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over byte-slice keys. Once built it is read-only
// and safe for concurrent Test calls; hashing is stateless murmur3 with the
// hash function index as seed.
type Filter struct {
	bits []byte
	m    uint32
	k    uint32
}

// New sizes a filter for n keys at false positive probability p.
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := uint32(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
	k := uint32(math.Round((float64(m) / float64(n)) * math.Log(2)))

	if m == 0 {
		m = 1
	}
	if k == 0 {
		k = 1
	}

	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

func (f *Filter) Add(key []byte) {
	for i := uint32(0); i < f.k; i++ {
		idx := murmur3.Sum32WithSeed(key, i) % f.m
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

func (f *Filter) Test(key []byte) bool {
	for i := uint32(0); i < f.k; i++ {
		idx := murmur3.Sum32WithSeed(key, i) % f.m
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as m | k | bitset.
func (f *Filter) Encode() []byte {
	buf := make([]byte, 8+len(f.bits))
	binary.BigEndian.PutUint32(buf[0:4], f.m)
	binary.BigEndian.PutUint32(buf[4:8], f.k)
	copy(buf[8:], f.bits)
	return buf
}

// Decode reverses Encode.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, errors.New("bloom filter data too short")
	}

	m := binary.BigEndian.Uint32(data[0:4])
	k := binary.BigEndian.Uint32(data[4:8])

	if m == 0 || k == 0 || int((m+7)/8) != len(data)-8 {
		return nil, errors.Errorf("bloom filter header does not match payload: m %d k %d len %d", m, k, len(data))
	}

	bits := make([]byte, len(data)-8)
	copy(bits, data[8:])

	return &Filter{bits: bits, m: m, k: k}, nil
}
