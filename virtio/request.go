package virtio

import (
	"sync"

	"github.com/liuxin324/bao-hypervisor/platform"
)

// Request is one trapped MMIO access in flight between a frontend and
// its backend. A request lives in exactly one table at a time: the
// instance's backend-pending queue until the backend completes it,
// then the frontend-pending queue until the response is delivered.
type Request struct {
	RegOff uint64 // offset of the accessed register within the MMIO window
	Addr   uint64 // full guest virtual address of the access
	Width  uint64 // access width in bytes
	Op     Op     // OpWrite or OpRead
	Value  uint64 // write data on ingress, read result on egress
	Reg    int    // frontend vCPU register holding / receiving Value

	Priority uint32         // copied from the instance at trap time
	TrapCPU  platform.CPUID // physical CPU that took the trap

	handedOff bool // the backend has fetched this request via ask
}

var requestPool = sync.Pool{
	New: func() any { return new(Request) },
}

func newRequest() *Request {
	return requestPool.Get().(*Request)
}

func freeRequest(r *Request) {
	*r = Request{}
	requestPool.Put(r)
}

// requestQueue is an ordered sequence of in-flight requests. The
// backend-pending queue inserts by ascending priority value with FIFO
// ties; the frontend-pending queue is plain FIFO.
type requestQueue struct {
	reqs []*Request
}

// pushOrdered inserts r after every queued request whose priority
// value is less than or equal to r's. Lower values dispatch first.
func (q *requestQueue) pushOrdered(r *Request) {
	at := len(q.reqs)
	for at > 0 && q.reqs[at-1].Priority > r.Priority {
		at--
	}

	q.reqs = append(q.reqs, nil)
	copy(q.reqs[at+1:], q.reqs[at:])
	q.reqs[at] = r
}

// push appends r at the tail.
func (q *requestQueue) push(r *Request) {
	q.reqs = append(q.reqs, r)
}

// pop removes and returns the head, or nil if the queue is empty.
func (q *requestQueue) pop() *Request {
	if len(q.reqs) == 0 {
		return nil
	}

	r := q.reqs[0]
	q.reqs[0] = nil
	q.reqs = q.reqs[1:]
	return r
}

// nextUnhanded returns the first request the backend has not fetched
// yet, marking it handed off, or nil if every queued request has been
// fetched already.
func (q *requestQueue) nextUnhanded() *Request {
	for _, r := range q.reqs {
		if !r.handedOff {
			r.handedOff = true
			return r
		}
	}

	return nil
}

func (q *requestQueue) len() int {
	return len(q.reqs)
}
