package protocol

import (
	"math/bits"
	"sync"

	"github.com/lostlove-net/llp/internal/constants"
)

// Size classes grow by a factor of four: 256 B, 1 KiB, 4 KiB, 16 KiB and
// 64 KiB, the last being MaxPacketSize.
const (
	minClassShift = 8
	numClasses    = 5
)

func classSize(i int) int { return 1 << (minClassShift + 2*i) }

// classFor returns the smallest class holding size bytes, or numClasses
// when none does.
func classFor(size int) int {
	n := bits.Len(uint(size - 1))
	if n <= minClassShift {
		return 0
	}
	return min((n-minClassShift+1)/2, numClasses)
}

// BufferPool recycles scratch buffers for encoding and framing packets. A
// buffer must not be used after it is handed back with Put.
type BufferPool struct {
	classes [numClasses]sync.Pool
}

func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.classes {
		size := classSize(i)
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get returns a slice of length size. Requests above MaxPacketSize are
// served by a plain allocation that Put later ignores.
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	i := classFor(size)
	if i == numClasses {
		return make([]byte, size)
	}
	return (*p.classes[i].Get().(*[]byte))[:size]
}

// Put recycles buf if its capacity is exactly one of the pool's classes.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	i := classFor(c)
	if i == numClasses || classSize(i) != c {
		return
	}
	buf = buf[:c]
	p.classes[i].Put(&buf)
}

var packetPool = NewBufferPool()

// GetBuffer draws from the process-wide packet pool.
func GetBuffer(size int) []byte { return packetPool.Get(size) }

// PutBuffer returns a buffer from GetBuffer.
func PutBuffer(buf []byte) { packetPool.Put(buf) }

// The largest class must equal MaxPacketSize.
const (
	_ = uint(constants.MaxPacketSize - 1<<(minClassShift+2*(numClasses-1)))
	_ = uint(1<<(minClassShift+2*(numClasses-1)) - constants.MaxPacketSize)
)
