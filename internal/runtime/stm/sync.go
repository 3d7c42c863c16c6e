package stm

import (
	"sync"
	"sync/atomic"
	"time"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// SyncMode selects how WorldBarrier.Wait stops the other threads.
type SyncMode int

const (
	// StopOthersUntilMutexUnlock pauses the other threads while the
	// requester keeps the engine mutex, e.g. to inspect shared structures.
	StopOthersUntilMutexUnlock SyncMode = iota + 1
	// StopOthersAndBecomeGloballyUnique keeps the other threads paused,
	// even across unlocks of the mutex, until Release.
	StopOthersAndBecomeGloballyUnique
)

func (m SyncMode) String() string {
	switch m {
	case StopOthersUntilMutexUnlock:
		return "stop_others_until_mutex_unlock"
	case StopOthersAndBecomeGloballyUnique:
		return "stop_others_and_become_globally_unique"
	default:
		return "none"
	}
}

// WorldBarrier implements stop-the-world pauses over the engine mutex.
//
// Threads attached to a segment are RUNNING until they reach a safe point:
// a Poll that finds a pending request, or any wait inside the engine. A
// request is granted once no other segment is RUNNING. Every method except
// Poll expects the engine mutex to be held.
type WorldBarrier struct {
	mu   *sync.Mutex
	segs []*segment
	log  *stmlog.Log

	requested atomic.Bool
	owner     *ThreadLocal
	mode      SyncMode

	safePoint *sync.Cond // a segment stopped running
	removed   *sync.Cond // the request was released
}

func newWorldBarrier(mu *sync.Mutex, segs []*segment, log *stmlog.Log) *WorldBarrier {
	return &WorldBarrier{
		mu:        mu,
		segs:      segs,
		log:       log,
		safePoint: sync.NewCond(mu),
		removed:   sync.NewCond(mu),
	}
}

// Poll is the cooperative safe point: if another thread requested a pause,
// it blocks until the request is released. The common case is a single
// atomic load. The mutex must not be held.
func (w *WorldBarrier) Poll(tl *ThreadLocal) {
	if !w.requested.Load() {
		return
	}
	w.mu.Lock()
	w.parkLocked(tl)
	w.mu.Unlock()
}

// Wait stops every other attached thread at a safe point and makes tl the
// owner of the pause. A pending request from another thread is honoured
// first.
func (w *WorldBarrier) Wait(tl *ThreadLocal, mode SyncMode) {
	w.parkLocked(tl)
	if w.owner == tl {
		stmerrors.Fatal("NESTED_SYNC", "thread %d already owns the world barrier", tl.id)
	}
	w.owner, w.mode = tl, mode
	w.requested.Store(true)
	w.until(tl, w.safePoint, stmlog.WaitSyncPause, func() bool { return w.othersStopped(tl) })
}

// Release ends the pause owned by tl.
func (w *WorldBarrier) Release(tl *ThreadLocal) {
	if w.owner != tl {
		stmerrors.Fatal("SYNC_NOT_OWNED", "thread %d releases a world barrier it does not own", tl.id)
	}
	w.owner, w.mode = nil, 0
	w.requested.Store(false)
	w.removed.Broadcast()
}

// Unique reports whether tl holds the world in globally unique mode.
func (w *WorldBarrier) Unique(tl *ThreadLocal) bool {
	return w.owner == tl && w.mode == StopOthersAndBecomeGloballyUnique
}

func (w *WorldBarrier) othersStopped(tl *ThreadLocal) bool {
	for _, s := range w.segs {
		if s.owner != nil && s.owner != tl && s.state == running {
			return false
		}
	}
	return true
}

// parkLocked blocks while another thread owns the world.
func (w *WorldBarrier) parkLocked(tl *ThreadLocal) {
	if w.owner == nil || w.owner == tl {
		return
	}
	seg := tl.segment()
	start := time.Now()
	w.log.Event(stmlog.WaitSyncPause, segNum(seg)).Str("mode", w.mode.String()).Log("")
	for w.owner != nil && w.owner != tl {
		if seg != nil {
			seg.state = atSafePoint
			w.safePoint.Broadcast()
		}
		w.removed.Wait()
	}
	if seg != nil {
		seg.state = running
	}
	w.log.Event(stmlog.WaitDone, segNum(seg)).
		Str("for", string(stmlog.WaitSyncPause)).
		Dur("waited", time.Since(start)).
		Log("")
}

// until waits on c until done holds. tl's segment counts as being at a safe
// point for the whole wait.
func (w *WorldBarrier) until(tl *ThreadLocal, c *sync.Cond, ev stmlog.Event, done func() bool) {
	if done() {
		return
	}
	seg := tl.segment()
	start := time.Now()
	w.log.Event(ev, segNum(seg)).Log("")
	for !done() {
		if seg != nil {
			seg.state = atSafePoint
			w.safePoint.Broadcast()
		}
		c.Wait()
		w.parkLocked(tl)
	}
	if seg != nil {
		seg.state = running
	}
	w.log.Event(stmlog.WaitDone, segNum(seg)).
		Str("for", string(ev)).
		Dur("waited", time.Since(start)).
		Log("")
}

// SegmentBarrier hands segments to threads beginning a transaction. Methods
// expect the engine mutex to be held.
type SegmentBarrier struct {
	segs  []*segment
	free  *sync.Cond
	world *WorldBarrier
}

func newSegmentBarrier(mu *sync.Mutex, segs []*segment, world *WorldBarrier) *SegmentBarrier {
	return &SegmentBarrier{segs: segs, free: sync.NewCond(mu), world: world}
}

// Acquire attaches tl to a free segment, preferring the one it used last,
// and waits if every segment is taken.
func (b *SegmentBarrier) Acquire(tl *ThreadLocal) {
	if tl.seg != nil {
		stmerrors.Fatal("SEGMENT_HELD", "thread %d already holds segment %d", tl.id, tl.seg.num)
	}
	var seg *segment
	b.world.until(tl, b.free, stmlog.WaitFreeSegment, func() bool {
		seg = b.pick(tl)
		return seg != nil
	})
	seg.owner = tl
	seg.state = running
	tl.seg = seg
	tl.lastSeg = seg.num
}

func (b *SegmentBarrier) pick(tl *ThreadLocal) *segment {
	if tl.lastSeg >= 0 && b.segs[tl.lastSeg].owner == nil {
		return b.segs[tl.lastSeg]
	}
	for _, s := range b.segs {
		if s.owner == nil {
			return s
		}
	}
	return nil
}

// Release detaches tl from its segment and wakes one waiter.
func (b *SegmentBarrier) Release(tl *ThreadLocal) {
	seg := tl.seg
	if seg == nil {
		stmerrors.Fatal("SEGMENT_NOT_HELD", "thread %d holds no segment", tl.id)
	}
	seg.owner = nil
	seg.state = noTransaction
	tl.seg = nil
	b.free.Signal()
	b.world.safePoint.Broadcast()
}

// InUse returns the number of attached segments.
func (b *SegmentBarrier) InUse() int {
	n := 0
	for _, s := range b.segs {
		if s.owner != nil {
			n++
		}
	}
	return n
}

func segNum(s *segment) int {
	if s == nil {
		return -1
	}
	return s.num
}
