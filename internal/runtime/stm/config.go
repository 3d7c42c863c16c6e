package stm

import (
	"github.com/orizon-lang/orizon-stm/internal/allocator/largemalloc"
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// Config holds engine tunables.
type Config struct {
	// Segments bounds the number of transactions running at once.
	Segments int
	// NurserySize is the per-segment young-object space in bytes.
	NurserySize uintptr
	// ArenaSize is the initial managed size of the old heap.
	ArenaSize uintptr
	// ArenaReserve is the most the old heap may grow to.
	ArenaReserve uintptr
	// LargeObjectThreshold: allocations above it bypass the nursery.
	LargeObjectThreshold uintptr
	// MajorCollectionThreshold is the old-heap usage, in bytes, that
	// triggers the next major collection.
	MajorCollectionThreshold uintptr
	// MajorCollectionFactor rescales the threshold after each major
	// collection, relative to the surviving usage.
	MajorCollectionFactor float64
	// EventLog receives engine events. When nil, New consults
	// STM_EVENT_LOG.
	EventLog *stmlog.Log
}

// Option configures an Engine.
type Option func(*Config)

// DefaultConfig returns the defaults used by New.
func DefaultConfig() Config {
	return Config{
		Segments:                 8,
		NurserySize:              1 << 20,
		ArenaSize:                16 << 20,
		ArenaReserve:             1 << 30,
		LargeObjectThreshold:     8 << 10,
		MajorCollectionThreshold: 32 << 20,
		MajorCollectionFactor:    1.82,
	}
}

// WithSegments sets the number of segments.
func WithSegments(n int) Option {
	return func(c *Config) { c.Segments = n }
}

// WithNurserySize sets the per-segment nursery size.
func WithNurserySize(size uintptr) Option {
	return func(c *Config) { c.NurserySize = size }
}

// WithArenaSize sets the initial old-heap size.
func WithArenaSize(size uintptr) Option {
	return func(c *Config) { c.ArenaSize = size }
}

// WithArenaReserve sets the old-heap growth limit.
func WithArenaReserve(size uintptr) Option {
	return func(c *Config) { c.ArenaReserve = size }
}

// WithLargeObjectThreshold sets the size above which objects are allocated
// directly in the old heap.
func WithLargeObjectThreshold(size uintptr) Option {
	return func(c *Config) { c.LargeObjectThreshold = size }
}

// WithMajorCollectionThreshold sets the usage that triggers the first major
// collection.
func WithMajorCollectionThreshold(size uintptr) Option {
	return func(c *Config) { c.MajorCollectionThreshold = size }
}

// WithMajorCollectionFactor sets the threshold growth factor.
func WithMajorCollectionFactor(f float64) Option {
	return func(c *Config) { c.MajorCollectionFactor = f }
}

// WithEventLog routes engine events to l. The engine does not close a log
// supplied this way.
func WithEventLog(l *stmlog.Log) Option {
	return func(c *Config) { c.EventLog = l }
}

func (c *Config) validate() error {
	switch {
	case c.Segments < 1 || c.Segments > maxSegments:
		return stmerrors.InvalidConfig("Segments", c.Segments)
	case c.NurserySize < minObjectSize || c.NurserySize%8 != 0 || c.NurserySize > maxNursery:
		return stmerrors.InvalidConfig("NurserySize", c.NurserySize)
	case c.ArenaSize < largemalloc.ChunkOverhead+largemalloc.Alignment:
		return stmerrors.InvalidConfig("ArenaSize", c.ArenaSize)
	case c.ArenaReserve < c.ArenaSize:
		return stmerrors.InvalidConfig("ArenaReserve", c.ArenaReserve)
	case c.LargeObjectThreshold < minObjectSize:
		return stmerrors.InvalidConfig("LargeObjectThreshold", c.LargeObjectThreshold)
	case c.MajorCollectionFactor <= 1:
		return stmerrors.InvalidConfig("MajorCollectionFactor", c.MajorCollectionFactor)
	}
	return nil
}
