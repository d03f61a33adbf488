package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/tile"
)

func cell(order uint8, index uint64) healpix.Cell {
	return healpix.Cell{Order: order, Index: index}
}

func TestDequeueIsLIFO(t *testing.T) {
	s := New()
	if it := s.Dequeue(0); it != nil {
		t.Fatalf("Dequeue on empty stack = %v, want nil", it.Cell())
	}

	s.Enqueue(cell(3, 1))
	s.Enqueue(cell(3, 2))
	s.Delegate(cell(4, 20), 7)

	want := []healpix.Cell{cell(4, 20), cell(3, 2), cell(3, 1)}
	for i, w := range want {
		it := s.Dequeue(1)
		if it == nil {
			t.Fatalf("Dequeue %d = nil", i)
		}
		if it.Cell() != w {
			t.Errorf("Dequeue %d = %s, want %s", i, it.Cell(), w)
		}
		if it.Owner() != 1 {
			t.Errorf("owner = %d, want 1", it.Owner())
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestDelegateRecordsRequester(t *testing.T) {
	s := New()
	it := s.Delegate(cell(5, 9), 3)
	if it.State() != Delegated {
		t.Fatalf("state = %s, want delegated", it.State())
	}
	if it.Requester() != 3 {
		t.Fatalf("requester = %d, want 3", it.Requester())
	}
	enq, del, _ := s.Counters()
	if enq != 0 || del != 1 {
		t.Fatalf("counters enqueued=%d delegated=%d", enq, del)
	}
	if !strings.Contains(s.Dump(), "5/9 delegated requester=3") {
		t.Fatalf("dump:\n%s", s.Dump())
	}
}

func TestResolveWakesWaiter(t *testing.T) {
	s := New()
	it := s.Delegate(cell(2, 1), 0)
	buf := tile.New(it.Cell(), 4, tile.DefaultEncoding(-32))

	go func() {
		got := s.Dequeue(1)
		got.Resolve(buf)
		got.Resolve(nil)
	}()

	ready, err := it.Wait(context.Background(), 5*time.Second)
	if err != nil || !ready {
		t.Fatalf("Wait = %v, %v; want ready", ready, err)
	}
	res, ok := it.Result()
	if !ok || res != buf {
		t.Fatalf("Result = %v, %v; want the first resolved buffer", res, ok)
	}
	if it.State() != Ready {
		t.Fatalf("state = %s, want ready", it.State())
	}
}

func TestWaitPollAndCancel(t *testing.T) {
	it := New().Enqueue(cell(1, 1))
	ready, err := it.Wait(context.Background(), time.Millisecond)
	if ready || err != nil {
		t.Fatalf("Wait on pending item = %v, %v; want timeout", ready, err)
	}

	cause := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	if _, err := it.Wait(ctx, time.Hour); !errors.Is(err, cause) {
		t.Fatalf("Wait err = %v, want cancel cause", err)
	}
}

func TestReclaim(t *testing.T) {
	s := New()
	a := s.Delegate(cell(4, 1), 0)
	b := s.Delegate(cell(4, 2), 0)
	c := s.Delegate(cell(4, 3), 0)

	if !s.Reclaim(b, 0) {
		t.Fatalf("Reclaim of a queued item should succeed")
	}
	if s.Reclaim(b, 0) {
		t.Fatalf("second Reclaim should fail")
	}
	if got := s.Dequeue(1); got != c {
		t.Fatalf("Dequeue = %s, want %s", got.Cell(), c.Cell())
	}
	if s.Reclaim(c, 0) {
		t.Fatalf("Reclaim of a dequeued item should fail")
	}
	if got := s.Dequeue(1); got != a {
		t.Fatalf("Dequeue = %s, want %s", got.Cell(), a.Cell())
	}
	if _, _, rec := s.Counters(); rec != 1 {
		t.Fatalf("reclaimed = %d, want 1", rec)
	}
}
