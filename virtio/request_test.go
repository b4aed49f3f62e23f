package virtio

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPushOrdered(t *testing.T) {
	var q requestQueue

	// RegOff doubles as an arrival stamp to observe FIFO ties
	in := []*Request{
		{Priority: 5, RegOff: 0},
		{Priority: 1, RegOff: 1},
		{Priority: 5, RegOff: 2},
		{Priority: 3, RegOff: 3},
		{Priority: 1, RegOff: 4},
	}

	for _, r := range in {
		q.pushOrdered(r)
	}

	var got [][2]uint64
	for r := q.pop(); r != nil; r = q.pop() {
		got = append(got, [2]uint64{uint64(r.Priority), r.RegOff})
	}

	want := [][2]uint64{
		{1, 1},
		{1, 4},
		{3, 3},
		{5, 0},
		{5, 2},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
	}
}

func TestNextUnhanded(t *testing.T) {
	var q requestQueue

	a := &Request{RegOff: 0xa}
	b := &Request{RegOff: 0xb}
	q.push(a)
	q.push(b)

	if got := q.nextUnhanded(); got != a {
		t.Fatalf("first fetch = %v, want the head", got)
	}

	if !a.handedOff {
		t.Error("fetched request is not marked handed off")
	}

	if got := q.nextUnhanded(); got != b {
		t.Fatalf("second fetch = %v, want the second request", got)
	}

	if got := q.nextUnhanded(); got != nil {
		t.Errorf("third fetch = %v, want nil", got)
	}

	// fetching does not dequeue
	if q.len() != 2 {
		t.Errorf("queue length = %d, want 2", q.len())
	}
}

func TestPopEmpty(t *testing.T) {
	var q requestQueue
	if r := q.pop(); r != nil {
		t.Errorf("pop on empty queue = %v", r)
	}
}

func TestRequestPoolReset(t *testing.T) {
	r := newRequest()
	r.Value = 1
	r.handedOff = true
	freeRequest(r)

	// whatever the pool hands out next must be zeroed
	n := newRequest()
	if n.Value != 0 || n.handedOff {
		t.Errorf("pooled request not reset: %+v", n)
	}

	freeRequest(n)
}
