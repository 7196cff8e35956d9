package imagechain

import (
	"fmt"
	"sync"
)

// shardSize is the granularity memleaf locks at; matches the teacher's
// reference RAM backend so concurrent ReadAt/WriteAt calls on disjoint
// regions don't serialize behind one mutex.
const shardSize = 64 * 1024

// Memleaf is an in-memory reference leaf image used by tests (and by
// tapctl's "create -a mem:<size>" form for smoke-testing a worker
// without real storage). It is not a production image driver.
type Memleaf struct {
	size   int64
	shards []sync.RWMutex
	data   [][]byte
	closed bool
}

// NewMemleaf allocates a zero-filled leaf of the given size.
func NewMemleaf(size int64) *Memleaf {
	n := int((size + shardSize - 1) / shardSize)
	m := &Memleaf{
		size:   size,
		shards: make([]sync.RWMutex, n),
		data:   make([][]byte, n),
	}
	for i := range m.data {
		m.data[i] = make([]byte, shardSize)
	}
	return m
}

func (m *Memleaf) Size() int64 { return m.size }

func (m *Memleaf) shardRange(off int64, length int) (startShard, endShard int) {
	startShard = int(off / shardSize)
	endShard = int((off + int64(length) - 1) / shardSize)
	return
}

func (m *Memleaf) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("imagechain: read offset %d out of range [0,%d)", off, m.size)
	}
	n := len(p)
	if off+int64(n) > m.size {
		n = int(m.size - off)
	}
	start, end := m.shardRange(off, n)
	read := 0
	for shard := start; shard <= end; shard++ {
		m.shards[shard].RLock()
		shardOff := int64(shard) * shardSize
		srcStart := off + int64(read) - shardOff
		if srcStart < 0 {
			srcStart = 0
		}
		avail := shardSize - int(srcStart)
		want := n - read
		if want > avail {
			want = avail
		}
		copy(p[read:read+want], m.data[shard][srcStart:srcStart+int64(want)])
		m.shards[shard].RUnlock()
		read += want
	}
	return read, nil
}

func (m *Memleaf) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("imagechain: write [%d,%d) out of range [0,%d)", off, off+int64(len(p)), m.size)
	}
	n := len(p)
	start, end := m.shardRange(off, n)
	written := 0
	for shard := start; shard <= end; shard++ {
		m.shards[shard].Lock()
		shardOff := int64(shard) * shardSize
		dstStart := off + int64(written) - shardOff
		if dstStart < 0 {
			dstStart = 0
		}
		avail := shardSize - int(dstStart)
		want := n - written
		if want > avail {
			want = avail
		}
		copy(m.data[shard][dstStart:dstStart+int64(want)], p[written:written+want])
		m.shards[shard].Unlock()
		written += want
	}
	return written, nil
}

func (m *Memleaf) Flush() error { return nil }

func (m *Memleaf) Close() error {
	m.closed = true
	return nil
}

// Discard zero-fills the given range; Memleaf implements DiscardImage
// directly rather than falling back to a zero-write loop.
func (m *Memleaf) Discard(off, length int64) error {
	zero := make([]byte, length)
	_, err := m.WriteAt(zero, off)
	return err
}

var (
	_ Image         = (*Memleaf)(nil)
	_ DiscardImage  = (*Memleaf)(nil)
)
