// Package stmlog writes the engine's event log.
//
// The log is selected by the STM_EVENT_LOG environment variable, opened once
// (truncating any previous file) when the engine starts and closed at
// teardown. Each record is one JSON object per line, written through logiface
// with the stumpy backend; the first record is a header naming the format
// version. A nil *Log is valid and discards everything, which is how logging
// is disabled.
package stmlog

import (
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

const (
	// EnvPath names the variable holding the event-log path.
	EnvPath = "STM_EVENT_LOG"
	// EnvLevel selects the verbosity: "info" (default) or "debug".
	EnvLevel = "STM_EVENT_LOG_LEVEL"

	// FormatVersion is the semantic version of the record layout.
	FormatVersion = "1.1.0"
)

// Event names a kind of record.
type Event string

const (
	Header              Event = "header"
	TransactionStart    Event = "transaction_start"
	TransactionCommit   Event = "transaction_commit"
	TransactionAbort    Event = "transaction_abort"
	BecomeInevitable    Event = "become_inevitable"
	Contention          Event = "contention"
	WaitFreeSegment     Event = "wait_free_segment"
	WaitSyncPause       Event = "wait_sync_pause"
	WaitOtherInevitable Event = "wait_other_inevitable"
	WaitDone            Event = "wait_done"
	MinorCollectStart   Event = "minor_collect_start"
	MinorCollectDone    Event = "minor_collect_done"
	MajorCollectStart   Event = "major_collect_start"
	MajorCollectDone    Event = "major_collect_done"
	ArenaResize         Event = "arena_resize"
	PrivateCopy         Event = "private_copy"
	Summary             Event = "summary"
)

// Events lists every kind, in a stable order.
var Events = []Event{
	Header, TransactionStart, TransactionCommit, TransactionAbort,
	BecomeInevitable, Contention, WaitFreeSegment, WaitSyncPause,
	WaitOtherInevitable, WaitDone, MinorCollectStart, MinorCollectDone,
	MajorCollectStart, MajorCollectDone, ArenaResize, PrivateCopy, Summary,
}

// Builder is the record builder handed to call sites.
type Builder = logiface.Builder[*stumpy.Event]

// Options configure a Log.
type Options struct {
	// Debug enables per-barrier records such as PrivateCopy.
	Debug bool
	// ContentionRate bounds Contention records per segment per second.
	// Zero means unlimited.
	ContentionRate int
	// NoTime omits the time field from every record.
	NoTime bool
}

// Log is an open event log.
type Log struct {
	logger     *logiface.Logger[*stumpy.Event]
	out        *lockedWriter
	closer     io.Closer
	limiter    *catrate.Limiter
	suppressed atomic.Uint64
	counts     sync.Map // Event -> *atomic.Uint64
	closeOnce  sync.Once
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (x *lockedWriter) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.w.Write(p)
}

// FromEnv opens the log named by STM_EVENT_LOG. It returns a nil *Log, and
// no error, when the variable is unset or empty.
func FromEnv() (*Log, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		return nil, nil
	}
	opts := Options{ContentionRate: 200}
	if strings.EqualFold(os.Getenv(EnvLevel), "debug") {
		opts.Debug = true
	}
	return Open(path, opts)
}

// Open creates (or truncates) path and writes the header record.
func Open(path string, opts Options) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, stmerrors.System("open event log", err)
	}
	l := New(f, opts)
	l.closer = f
	return l, nil
}

// New writes records to w. Close does not close w.
func New(w io.Writer, opts Options) *Log {
	l := &Log{out: &lockedWriter{w: w}}

	timeField := "time"
	if opts.NoTime {
		timeField = ""
	}
	level := logiface.LevelInformational
	if opts.Debug {
		level = logiface.LevelDebug
	}
	l.logger = stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(l.out),
			stumpy.WithTimeField(timeField),
			stumpy.WithLevelField("lvl"),
		),
		stumpy.L.WithLevel(level),
	)
	if opts.ContentionRate > 0 {
		l.limiter = catrate.NewLimiter(map[time.Duration]int{time.Second: opts.ContentionRate})
	}

	l.Event(Header, -1).
		Str("format", FormatVersion).
		Str("go", runtime.Version()).
		Int("pid", os.Getpid()).
		Log("")
	return l
}

// Event starts an informational record tagged with the event name and the
// segment number (-1 when no segment is involved). The caller adds fields and
// finishes with Log(""). Returns nil, which is safe to chain on, when l is
// nil.
func (l *Log) Event(ev Event, seg int) *Builder {
	if l == nil {
		return nil
	}
	l.count(ev)
	return l.logger.Info().Str("ev", string(ev)).Int("seg", seg)
}

// Debug is like Event at debug level; it returns nil unless the log was
// opened with Options.Debug.
func (l *Log) Debug(ev Event, seg int) *Builder {
	if l == nil {
		return nil
	}
	b := l.logger.Debug()
	if b == nil {
		return nil
	}
	l.count(ev)
	return b.Str("ev", string(ev)).Int("seg", seg)
}

// Contention records a conflict detected by seg on the object at ref. Records
// are rate limited per segment; the number dropped since the last written
// record is attached to the next one.
func (l *Log) Contention(seg int, ref uint64, kind string) {
	if l == nil {
		return
	}
	if l.limiter != nil {
		if _, ok := l.limiter.Allow(seg); !ok {
			l.suppressed.Add(1)
			l.count(Contention)
			return
		}
	}
	l.Event(Contention, seg).
		Uint64("ref", ref).
		Str("kind", kind).
		Uint64("suppressed", l.suppressed.Swap(0)).
		Log("")
}

// Count returns how many records of kind ev were requested, including
// rate-limited ones.
func (l *Log) Count(ev Event) uint64 {
	if l == nil {
		return 0
	}
	if v, ok := l.counts.Load(ev); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (l *Log) count(ev Event) {
	v, ok := l.counts.Load(ev)
	if !ok {
		v, _ = l.counts.LoadOrStore(ev, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

// Close writes a summary record and closes the file opened by Open.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		b := l.Event(Summary, -1)
		for _, ev := range Events {
			if n := l.Count(ev); n != 0 && ev != Summary {
				b = b.Uint64(string(ev), n)
			}
		}
		b.Uint64("suppressed", l.suppressed.Load()).Log("")
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}
