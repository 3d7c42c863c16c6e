package stmlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/Masterminds/semver/v3"
)

// Record is one decoded line of an event log.
type Record struct {
	Event  Event
	Seg    int
	Fields map[string]json.RawMessage
}

// Uint returns the unsigned integer field key. Both JSON numbers and quoted
// decimal strings are accepted, since 64-bit values are written quoted.
func (r Record) Uint(key string) (uint64, bool) {
	raw, ok := r.Fields[key]
	if !ok {
		return 0, false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		s = string(raw)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// Str returns the string field key.
func (r Record) Str(key string) (string, bool) {
	raw, ok := r.Fields[key]
	if !ok {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// ParseRecord decodes a single line.
func ParseRecord(line []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, fmt.Errorf("stmlog: malformed record: %w", err)
	}
	rec := Record{Fields: fields, Seg: -1}
	ev, ok := rec.Str("ev")
	if !ok {
		return Record{}, fmt.Errorf("stmlog: record without event name")
	}
	rec.Event = Event(ev)
	if raw, ok := fields["seg"]; ok {
		if err := json.Unmarshal(raw, &rec.Seg); err != nil {
			return Record{}, fmt.Errorf("stmlog: bad segment field: %w", err)
		}
	}
	return rec, nil
}

// Reader decodes an event log line by line.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Reader{sc: sc}
}

// Next returns the next record, io.EOF at the end of input, or a decoding
// error tagged with the line number. Blank lines are skipped.
func (x *Reader) Next() (Record, error) {
	for x.sc.Scan() {
		x.line++
		b := x.sc.Bytes()
		if len(b) == 0 {
			continue
		}
		rec, err := ParseRecord(b)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", x.line, err)
		}
		return rec, nil
	}
	if err := x.sc.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// CheckHeader verifies that rec is a header whose format version satisfies
// constraint (for example "^1.0.0"). An empty constraint accepts any
// well-formed version.
func CheckHeader(rec Record, constraint string) (*semver.Version, error) {
	if rec.Event != Header {
		return nil, fmt.Errorf("stmlog: first record is %q, not a header", rec.Event)
	}
	raw, ok := rec.Str("format")
	if !ok {
		return nil, fmt.Errorf("stmlog: header has no format version")
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("stmlog: header format %q: %w", raw, err)
	}
	if constraint == "" {
		return v, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("stmlog: constraint %q: %w", constraint, err)
	}
	if !c.Check(v) {
		return v, fmt.Errorf("stmlog: format %s does not satisfy %s", v, constraint)
	}
	return v, nil
}

// Tally counts records by event.
type Tally map[Event]uint64

// Add counts rec. Contention records also add their suppressed count, so the
// tally reflects every conflict that was detected.
func (t Tally) Add(rec Record) {
	t[rec.Event]++
	if rec.Event == Contention {
		if n, ok := rec.Uint("suppressed"); ok {
			t[rec.Event] += n
		}
	}
}
