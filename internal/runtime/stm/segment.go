package stm

// safePointState tracks whether a segment's thread may be paused.
type safePointState int

const (
	noTransaction safePointState = iota
	running
	atSafePoint
)

func (s safePointState) String() string {
	switch s {
	case noTransaction:
		return "NO_TRANSACTION"
	case running:
		return "RUNNING"
	case atSafePoint:
		return "SAFE_POINT"
	default:
		return "UNKNOWN"
	}
}

// segment is the private view of one running transaction: its nursery and
// the weak references it created. Segments are reassigned as threads begin
// and end transactions; every field is guarded by the engine mutex except
// the nursery, which belongs to the attached thread while it runs.
type segment struct {
	num   int
	owner *ThreadLocal // nil when free
	state safePointState

	nursery []uint64
	used    uintptr   // bytes allocated in the nursery
	objs    []uintptr // nursery offsets, in allocation order

	// weak references created by the running transaction, young or
	// promoted
	weakrefs []Ref
}

func newSegment(num int, nurserySize uintptr) *segment {
	return &segment{
		num:     num,
		nursery: make([]uint64, nurserySize/8),
	}
}

// bump allocates size bytes in the nursery. ok is false when it is full.
func (s *segment) bump(size uintptr) (Ref, bool) {
	if s.used+size > uintptr(len(s.nursery))*8 {
		return Null, false
	}
	off := s.used
	s.used += size
	s.objs = append(s.objs, off)
	return youngRef(s.num, off), true
}

// young returns the nursery words from the object at r to the end of the
// nursery in use.
func (s *segment) young(r Ref) []uint64 {
	if r.segment() != s.num || r.offset() >= s.used {
		return nil
	}
	return s.nursery[r.offset()/8 : s.used/8]
}

// resetNursery drops every young object.
func (s *segment) resetNursery() {
	clear(s.nursery[:s.used/8])
	s.used = 0
	s.objs = s.objs[:0]
}
