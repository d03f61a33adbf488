// Package memory tracks the tile buffers resident across all workers and
// frees releasable ones when a worker needs room.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ErrExhausted is returned when a reservation cannot be satisfied in time.
var ErrExhausted = errors.New("memory budget exhausted")

// CacheAccount is the account of the shared source cache. Worker accounts use
// ids from 0.
const CacheAccount = -1

// Item is a buffer the budget can account for and, when allowed, release.
type Item interface {
	// Bytes returns the memory currently held.
	Bytes() int64
	// Releasable reports whether Release would free memory now.
	Releasable() bool
	// Release drops reloadable storage and returns the bytes freed.
	Release() int64
	// Free drops storage unconditionally and returns the bytes freed.
	Free() int64
}

// Config configures a Budget.
type Config struct {
	Limit        int64         // Total bytes allowed (<= 0 = unlimited)
	ThreadBudget int64         // Margin a worker needs to accept delegated work
	PollInterval time.Duration // Sleep between reservation attempts
	MaxWait      time.Duration // Give up a reservation after this long
	Logger       zerolog.Logger
}

// Budget is the shared ledger of resident bytes. All ledger mutations happen
// under one short-held lock.
type Budget struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	used     int64
	accounts map[int]*Account

	releases      uint64
	releasedBytes uint64
}

// NewBudget creates a budget.
func NewBudget(cfg Config) *Budget {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &Budget{
		cfg:      cfg,
		log:      cfg.Logger,
		accounts: make(map[int]*Account),
	}
}

// Account returns the account of worker id, creating it if needed.
func (b *Budget) Account(id int) *Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[id]; ok {
		return a
	}
	a := &Account{id: id, budget: b, items: make(map[Item]int64)}
	b.accounts[id] = a
	return a
}

// Limit returns the configured limit (<= 0 = unlimited).
func (b *Budget) Limit() int64 { return b.cfg.Limit }

// Used returns the bytes currently accounted for.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *Budget) availableLocked() int64 {
	if b.cfg.Limit <= 0 {
		return 1 << 62
	}
	return b.cfg.Limit - b.used
}

// Eligible reports whether the worker owning a has enough margin to take on
// delegated work.
func (b *Budget) Eligible(a *Account) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Limit <= 0 || b.cfg.ThreadBudget <= 0 {
		return true
	}
	return a.used < b.cfg.ThreadBudget && b.availableLocked() >= b.cfg.ThreadBudget
}

// Reserve waits until n more bytes fit in the budget, releasing releasable
// buffers of other workers first and then of a itself. It fails with
// ErrExhausted after MaxWait and with the context error on cancellation.
func (b *Budget) Reserve(ctx context.Context, a *Account, n int64) error {
	if b.cfg.Limit <= 0 {
		return nil
	}
	deadline := time.Now().Add(b.cfg.MaxWait)
	for {
		b.mu.Lock()
		short := n - b.availableLocked()
		if short > 0 {
			short -= b.releaseLocked(short, a)
		}
		b.mu.Unlock()
		if short <= 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: need %s more for worker %d\n%s",
				ErrExhausted, humanize.IBytes(uint64(short)), a.id, b.Dump())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// releaseLocked frees up to want bytes, other accounts first, and returns the
// bytes freed. Caller holds b.mu.
func (b *Budget) releaseLocked(want int64, requester *Account) int64 {
	ids := make([]int, 0, len(b.accounts))
	for id := range b.accounts {
		if id != requester.id {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	ids = append(ids, requester.id)

	var freed int64
	for _, id := range ids {
		a := b.accounts[id]
		for item, counted := range a.items {
			if freed >= want {
				break
			}
			if !item.Releasable() {
				continue
			}
			got := item.Release()
			if got == 0 {
				continue
			}
			a.items[item] = counted - got
			a.used -= got
			b.used -= got
			freed += got
			atomic.AddUint64(&b.releases, 1)
			atomic.AddUint64(&b.releasedBytes, uint64(got))
		}
	}
	if freed > 0 {
		b.log.Debug().
			Str("freed", humanize.IBytes(uint64(freed))).
			Int("requester", requester.id).
			Msg("released buffers under memory pressure")
	}
	return freed
}

// Releases returns how many buffers were released and the bytes freed.
func (b *Budget) Releases() (count, bytes uint64) {
	return atomic.LoadUint64(&b.releases), atomic.LoadUint64(&b.releasedBytes)
}

// Dump describes the occupancy of every account.
func (b *Budget) Dump() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	limit := "unlimited"
	if b.cfg.Limit > 0 {
		limit = humanize.IBytes(uint64(b.cfg.Limit))
	}
	fmt.Fprintf(&sb, "memory: used=%s limit=%s accounts=%d\n", humanize.IBytes(uint64(max(b.used, 0))), limit, len(b.accounts))

	ids := make([]int, 0, len(b.accounts))
	for id := range b.accounts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		a := b.accounts[id]
		releasable := 0
		for item := range a.items {
			if item.Releasable() {
				releasable++
			}
		}
		owner := fmt.Sprintf("worker %d", id)
		if id == CacheAccount {
			owner = "source cache"
		}
		fmt.Fprintf(&sb, "  %s: %d buffers (%d releasable), %s\n",
			owner, len(a.items), releasable, humanize.IBytes(uint64(max(a.used, 0))))
	}
	return sb.String()
}

// Account is the set of buffers one worker currently holds.
type Account struct {
	id     int
	budget *Budget
	items  map[Item]int64 // bytes counted per item
	used   int64
}

// Register starts accounting for item.
func (a *Account) Register(item Item) {
	if item == nil {
		return
	}
	b := a.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := a.items[item]; ok {
		return
	}
	n := item.Bytes()
	a.items[item] = n
	a.used += n
	b.used += n
}

// Refresh re-reads the size of item, e.g. after it was reloaded.
func (a *Account) Refresh(item Item) {
	b := a.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	counted, ok := a.items[item]
	if !ok {
		return
	}
	n := item.Bytes()
	a.items[item] = n
	a.used += n - counted
	b.used += n - counted
}

// Unregister stops accounting for item without touching its storage, e.g.
// when ownership moves to another worker.
func (a *Account) Unregister(item Item) {
	if item == nil {
		return
	}
	b := a.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	counted, ok := a.items[item]
	if !ok {
		return
	}
	delete(a.items, item)
	a.used -= counted
	b.used -= counted
}

// Free drops the storage of item and stops accounting for it.
func (a *Account) Free(item Item) {
	if item == nil {
		return
	}
	a.Unregister(item)
	item.Free()
}

// Flush frees every buffer of the account. Used when a worker dies.
func (a *Account) Flush() int64 {
	b := a.budget
	b.mu.Lock()
	items := a.items
	a.items = make(map[Item]int64)
	b.used -= a.used
	freed := a.used
	a.used = 0
	b.mu.Unlock()

	for item := range items {
		item.Free()
	}
	return freed
}

// Used returns the bytes held by the account.
func (a *Account) Used() int64 {
	b := a.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	return a.used
}

// Len returns the number of buffers held by the account.
func (a *Account) Len() int {
	b := a.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(a.items)
}
