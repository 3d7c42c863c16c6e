// Package stm implements a software transactional memory runtime over a
// garbage-collected object heap.
//
// Threads register with an Engine and run transactions against one shared
// old heap. Reads are validated against a global version clock, writes go to
// private copies that are published at commit, and conflicting transactions
// are aborted and retried. New objects live in a per-segment nursery until
// the transaction commits (or the nursery fills up), when a minor collection
// promotes the survivors; a stop-the-world major collection reclaims the old
// heap. The embedder describes object layouts through a Collector.
package stm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/orizon-stm/internal/allocator/largemalloc"
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

var (
	// ErrConflict reports that a transaction observed a concurrent commit
	// and was aborted.
	ErrConflict = stmerrors.Sentinel(stmerrors.CategoryConflict, "CONFLICT", "transaction conflict")
	// ErrTooManyRetries is returned by Atomically when a retry bound is
	// configured and reached.
	ErrTooManyRetries = stmerrors.Sentinel(stmerrors.CategoryConflict, "TOO_MANY_RETRIES", "transaction retry limit reached")
	// ErrHeapExhausted reports that the old heap reached its reservation.
	ErrHeapExhausted = stmerrors.Sentinel(stmerrors.CategoryResource, "HEAP_EXHAUSTED", "old heap exhausted")
	// ErrAborted is returned by Atomically when fn aborted the transaction
	// itself with Txn.Abort.
	ErrAborted = stmerrors.Sentinel(stmerrors.CategoryConflict, "ABORT_REQUESTED", "abort requested")
)

// Engine is the shared state of the runtime: the old heap, the segments and
// the commit clock.
type Engine struct {
	cfg       Config
	collector Collector
	log       *stmlog.Log
	ownsLog   bool

	region *largemalloc.Region
	arena  *largemalloc.Arena
	words  []uint64

	// release returns the pages above the arena top to the system.
	release func(from, to uintptr) error

	// mu serializes commits, collections, arena calls and segment
	// assignment.
	mu             sync.Mutex
	segs           []*segment
	segments       *SegmentBarrier
	world          *WorldBarrier
	inevitable     *Txn
	inevitableDone *sync.Cond

	clock atomic.Uint64

	threads  map[*ThreadLocal]struct{}
	nextID   int
	system   *ThreadLocal // owner of engine-initiated pauses
	weakrefs map[Ref]struct{}
	prebuilt []Ref

	majorThreshold uintptr
	closed         bool

	foreignMu sync.Mutex
	foreign   map[int64]*foreignThread

	stats counters
}

type counters struct {
	commits           atomic.Uint64
	inevitableCommits atomic.Uint64
	aborts            atomic.Uint64
	conflicts         atomic.Uint64
	minorCollections  atomic.Uint64
	majorCollections  atomic.Uint64
	promotedBytes     atomic.Uint64
	freedBytes        atomic.Uint64
}

// New creates an engine. Unless an event log is supplied with WithEventLog,
// the one named by STM_EVENT_LOG (if any) is opened and owned by the engine.
func New(collector Collector, opts ...Option) (*Engine, error) {
	if collector == nil {
		return nil, stmerrors.InvalidConfig("collector", nil)
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log, ownsLog := cfg.EventLog, false
	if log == nil {
		l, err := stmlog.FromEnv()
		if err != nil {
			return nil, err
		}
		log, ownsLog = l, l != nil
	}

	region, err := largemalloc.Reserve(cfg.ArenaReserve)
	if err != nil {
		return nil, err
	}
	arena, err := largemalloc.New(region.Words(), cfg.ArenaSize)
	if err != nil {
		_ = region.Close()
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		collector:      collector,
		log:            log,
		ownsLog:        ownsLog,
		region:         region,
		release:        region.Release,
		arena:          arena,
		words:          region.Words(),
		threads:        make(map[*ThreadLocal]struct{}),
		weakrefs:       make(map[Ref]struct{}),
		foreign:        make(map[int64]*foreignThread),
		majorThreshold: cfg.MajorCollectionThreshold,
	}
	e.segs = make([]*segment, cfg.Segments)
	for i := range e.segs {
		e.segs[i] = newSegment(i, cfg.NurserySize)
	}
	e.world = newWorldBarrier(&e.mu, e.segs, log)
	e.segments = newSegmentBarrier(&e.mu, e.segs, e.world)
	e.inevitableDone = sync.NewCond(&e.mu)
	e.system = newThreadLocal(e, -1)
	return e, nil
}

// Close releases the heap and closes an event log opened by New. Every
// thread must have been unregistered.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if n := len(e.threads); n != 0 {
		stmerrors.Fatal("THREADS_REGISTERED", "closing an engine with %d registered threads", n)
	}
	e.closed = true
	err := e.region.Close()
	e.words = nil
	if e.ownsLog {
		if lerr := e.log.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// Config returns the configuration in effect.
func (e *Engine) Config() Config { return e.cfg }

// Clock returns the version of the last commit.
func (e *Engine) Clock() uint64 { return e.clock.Load() }

// AllocPrebuilt allocates a permanently rooted old object outside any
// transaction, typically during program setup. init receives the object's
// words (word 0 is the engine header and must be left alone).
func (e *Engine) AllocPrebuilt(size uintptr, init func(words []uint64)) (Ref, error) {
	n, ok := e.roundSize(size)
	if !ok {
		return Null, ErrHeapExhausted.With(map[string]interface{}{"size": size}, nil)
	}
	size = n
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkOpen()
	e.world.parkLocked(nil)
	r := e.mallocLocked(size)
	if r == Null {
		return Null, ErrHeapExhausted.With(map[string]interface{}{"size": size}, nil)
	}
	if init != nil {
		init(e.words[uintptr(r)/8 : (uintptr(r)+size)/8])
	}
	e.setHeader(r, 0)
	e.prebuilt = append(e.prebuilt, r)
	return r, nil
}

func (e *Engine) checkOpen() {
	if e.closed {
		stmerrors.Fatal("ENGINE_CLOSED", "engine used after Close")
	}
}

// Stats describes the engine's activity.
type Stats struct {
	Commits           uint64
	InevitableCommits uint64
	Aborts            uint64
	Conflicts         uint64
	MinorCollections  uint64
	MajorCollections  uint64
	PromotedBytes     uint64
	FreedBytes        uint64
	Clock             uint64
	HeapInUse         uintptr
	HeapSize          uintptr
	HeapReserve       uintptr
	Threads           int
	SegmentsInUse     int
	Weakrefs          int
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Commits:           e.stats.commits.Load(),
		InevitableCommits: e.stats.inevitableCommits.Load(),
		Aborts:            e.stats.aborts.Load(),
		Conflicts:         e.stats.conflicts.Load(),
		MinorCollections:  e.stats.minorCollections.Load(),
		MajorCollections:  e.stats.majorCollections.Load(),
		PromotedBytes:     e.stats.promotedBytes.Load(),
		FreedBytes:        e.stats.freedBytes.Load(),
		Clock:             e.clock.Load(),
		HeapInUse:         e.arena.InUse(),
		HeapSize:          e.arena.Size(),
		HeapReserve:       e.arena.Capacity(),
		Threads:           len(e.threads),
		SegmentsInUse:     e.segments.InUse(),
		Weakrefs:          len(e.weakrefs),
	}
}

// CheckHeap pauses every thread and verifies the old heap: the chunk chain,
// that no object is left locked or stamped beyond the clock, and that every
// committed weak reference points to an allocated object or to nothing. It
// must not be called from inside a transaction.
func (e *Engine) CheckHeap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkOpen()
	e.world.Wait(e.system, StopOthersUntilMutexUnlock)
	defer e.world.Release(e.system)

	if err := e.arena.Verify(); err != nil {
		return err
	}
	clock := e.clock.Load()
	allocated := make(map[Ref]struct{})
	var err error
	e.arena.Walk(func(p, size uintptr) bool {
		r := Ref(p)
		allocated[r] = struct{}{}
		if h := e.header(r); h&lockBit != 0 || h>>1 > clock {
			err = fmt.Errorf("stm: object %s has header %#x beyond clock %d", r, h, clock)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	for w := range e.weakrefs {
		if _, ok := allocated[w]; !ok {
			return fmt.Errorf("stm: weakref %s is not allocated", w)
		}
		words := e.oldObject(w)
		t := Ref(atomic.LoadUint64(&words[len(words)-1]))
		if t == Null {
			continue
		}
		if _, ok := allocated[t]; !ok {
			return fmt.Errorf("stm: weakref %s targets freed memory %s", w, t)
		}
	}
	return nil
}
