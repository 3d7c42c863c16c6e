package stm

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 50 * time.Microsecond
	backoffMax  = 10 * time.Millisecond
)

type runConfig struct {
	maxRetries      int
	inevitableAfter int
}

// RunOption configures Atomically.
type RunOption func(*runConfig)

// WithMaxRetries bounds the number of attempts; Atomically then returns
// ErrTooManyRetries. n <= 0 means unbounded, the default.
func WithMaxRetries(n int) RunOption {
	return func(c *runConfig) { c.maxRetries = n }
}

// WithInevitableAfter runs the transaction as inevitable once n attempts
// have conflicted, which guarantees the next attempt commits.
func WithInevitableAfter(n int) RunOption {
	return func(c *runConfig) { c.inevitableAfter = n }
}

// Atomically runs fn in a transaction and commits it, retrying with
// exponential backoff and jitter while it conflicts. An error returned by fn
// aborts the transaction and is returned, as is ErrAborted when fn calls
// Txn.Abort. When the old heap is exhausted a
// major collection is run and the transaction retried once before
// ErrHeapExhausted is returned.
func (tl *ThreadLocal) Atomically(fn func(tx *Txn) error, opts ...RunOption) error {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	collected := false
	for i := 0; ; i++ {
		inevitable := cfg.inevitableAfter > 0 && i >= cfg.inevitableAfter
		err := tl.attempt(fn, inevitable)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrConflict):
			if cfg.maxRetries > 0 && i+1 >= cfg.maxRetries {
				return ErrTooManyRetries.With(map[string]interface{}{"attempts": i + 1}, err)
			}
			time.Sleep(backoff(i))
		case errors.Is(err, ErrHeapExhausted) && !collected:
			collected = true
			tl.CollectMajor()
		default:
			return err
		}
	}
}

func (tl *ThreadLocal) attempt(fn func(tx *Txn) error, inevitable bool) error {
	tx := tl.Begin()
	err := tx.Try(func(tx *Txn) error {
		if inevitable {
			tx.BecomeInevitable("retry limit")
		}
		return fn(tx)
	})
	if err != nil {
		return err
	}
	if tl.tx != tx {
		// fn ended the transaction itself
		if tx.state == Aborted {
			return ErrAborted
		}
		return nil
	}
	return tx.Commit()
}

// backoff returns the sleep before retry i: a small exponential step with
// microsecond jitter.
func backoff(i int) time.Duration {
	step := i
	if step > 4 {
		step = 4
	}
	d := backoffBase<<step + time.Duration(rand.IntN(200))*time.Microsecond
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
