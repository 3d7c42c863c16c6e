package stmlog

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every record of the log at path, then keeps watching
// the file and reports records as they are appended, until ctx is done, the
// file is removed or renamed, or fn returns an error. When a new run
// truncates the log, reading restarts from its header.
func Follow(ctx context.Context, path string, fn func(Record) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	t := &tail{f: f, buf: make([]byte, 32<<10), fn: fn}
	if err := t.drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return t.drain()
			}
			if ev.Op&fsnotify.Write != 0 {
				if err := t.drain(); err != nil {
					return err
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

type tail struct {
	f       *os.File
	off     int64
	buf     []byte
	pending []byte
	fn      func(Record) error
}

// drain reads to the current end of the file and hands over every complete
// line.
func (t *tail) drain() error {
	if fi, err := t.f.Stat(); err == nil && fi.Size() < t.off {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		t.off = 0
		t.pending = t.pending[:0]
	}
	for {
		n, err := t.f.Read(t.buf)
		t.off += int64(n)
		t.pending = append(t.pending, t.buf[:n]...)
		if perr := t.lines(); perr != nil {
			return perr
		}
		if err == io.EOF || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *tail) lines() error {
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			return nil
		}
		line := t.pending[:i]
		if len(bytes.TrimSpace(line)) != 0 {
			rec, err := ParseRecord(line)
			if err != nil {
				return err
			}
			if err := t.fn(rec); err != nil {
				return err
			}
		}
		t.pending = t.pending[i+1:]
	}
}
