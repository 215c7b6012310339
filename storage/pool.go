package storage

import "sync"

// BytesPool recycles the scratch buffers used when serializing index
// segments.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool() *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)
				*buf = make([]byte, 0, 1<<12) // 4kb
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytesPool) PutBytes(b *[]byte) {
	*b = (*b)[:0]

	p.pool.Put(b)
}
