// Command orizon-stm runs a bank-transfer workload against the STM engine and
// checks that no money was created or lost.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/orizon-stm/internal/runtime/stm"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// Objects carry their layout in word 1: reference slots in the high half,
// data words in the low half. Slots start at word 2.
type layoutCollector struct{}

func (layoutCollector) SizeRoundedUp(obj stm.Object) uintptr {
	d := obj.Word(1)
	return objSize(int(d>>32), int(d&0xffffffff))
}

func (layoutCollector) Trace(obj stm.Object, visit func(word int)) {
	for i := 0; i < int(obj.Word(1)>>32); i++ {
		visit(2 + i)
	}
}

func objSize(nrefs, ndata int) uintptr { return uintptr(8 * (2 + nrefs + ndata)) }

func layout(nrefs, ndata int) uint64 { return uint64(nrefs)<<32 | uint64(ndata) }

const (
	balanceWord = 2 // accounts: no slots, one data word
	receiptSlot = 2 // ledgers: one slot holding the latest receipt
)

func main() {
	var (
		threads   int
		segments  int
		accounts  int
		transfers int
		initial   uint64
		nursery   uint
		arena     uint
		threshold uint
		seed      uint64
		logPath   string
		debug     bool
	)
	flag.IntVar(&threads, "threads", 8, "worker threads")
	flag.IntVar(&segments, "segments", 4, "engine segments")
	flag.IntVar(&accounts, "accounts", 64, "number of accounts")
	flag.IntVar(&transfers, "transfers", 10000, "transfers per thread")
	flag.Uint64Var(&initial, "initial", 1000, "initial balance per account")
	flag.UintVar(&nursery, "nursery", 64<<10, "nursery size per segment in bytes")
	flag.UintVar(&arena, "arena", 4<<20, "initial old-heap size in bytes")
	flag.UintVar(&threshold, "major-threshold", 1<<20, "old-heap usage that triggers a major collection")
	flag.Uint64Var(&seed, "seed", 0, "random seed (0=time)")
	flag.StringVar(&logPath, "log", "", "event log path (default: $"+stmlog.EnvPath+")")
	flag.BoolVar(&debug, "debug", false, "log debug events")
	flag.Parse()

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	opts := []stm.Option{
		stm.WithSegments(segments),
		stm.WithNurserySize(uintptr(nursery)),
		stm.WithArenaSize(uintptr(arena)),
		stm.WithMajorCollectionThreshold(uintptr(threshold)),
	}
	var log *stmlog.Log
	if logPath != "" {
		l, err := stmlog.Open(logPath, stmlog.Options{Debug: debug, ContentionRate: 200})
		if err != nil {
			fatal(err)
		}
		log = l
		opts = append(opts, stm.WithEventLog(l))
	}

	e, err := stm.New(layoutCollector{}, opts...)
	if err != nil {
		fatal(err)
	}

	bank := make([]stm.Ref, accounts)
	for i := range bank {
		bank[i], err = e.AllocPrebuilt(objSize(0, 1), func(w []uint64) {
			w[1] = layout(0, 1)
			w[balanceWord] = initial
		})
		if err != nil {
			fatal(err)
		}
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < threads; w++ {
		rng := rand.New(rand.NewPCG(seed, uint64(w)))
		ledger, err := e.AllocPrebuilt(objSize(1, 0), func(words []uint64) {
			words[1] = layout(1, 0)
		})
		if err != nil {
			fatal(err)
		}
		g.Go(func() error {
			tl := e.RegisterThread()
			defer tl.Unregister()
			for i := 0; i < transfers; i++ {
				from, to := rng.IntN(accounts), rng.IntN(accounts)
				amount := uint64(rng.IntN(100))
				err := tl.Atomically(func(tx *stm.Txn) error {
					a := tx.Load(bank[from], balanceWord)
					if a < amount {
						return nil
					}
					tx.Store(bank[from], balanceWord, a-amount)
					tx.Store(bank[to], balanceWord, tx.Load(bank[to], balanceWord)+amount)

					r := tx.Alloc(objSize(0, 3))
					tx.Store(r, 1, layout(0, 3))
					tx.Store(r, 2, uint64(from))
					tx.Store(r, 3, uint64(to))
					tx.Store(r, 4, amount)
					tx.StoreRef(ledger, receiptSlot, r)
					return nil
				}, stm.WithInevitableAfter(64))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fatal(err)
	}
	elapsed := time.Since(start)

	tl := e.RegisterThread()
	var total uint64
	err = tl.Atomically(func(tx *stm.Txn) error {
		total = 0
		for _, acc := range bank {
			total += tx.Load(acc, balanceWord)
		}
		return nil
	})
	if err != nil {
		fatal(err)
	}
	heapErr := e.CheckHeap()
	tl.Unregister()

	st := e.Stats()
	fmt.Printf("seed:               %d\n", seed)
	fmt.Printf("elapsed:            %s\n", elapsed)
	fmt.Printf("commits:            %d (%d inevitable)\n", st.Commits, st.InevitableCommits)
	fmt.Printf("aborts:             %d (%d conflicts)\n", st.Aborts, st.Conflicts)
	fmt.Printf("minor collections:  %d (%d bytes promoted)\n", st.MinorCollections, st.PromotedBytes)
	fmt.Printf("major collections:  %d (%d bytes freed)\n", st.MajorCollections, st.FreedBytes)
	fmt.Printf("heap:               %d in use, %d mapped, %d reserved\n", st.HeapInUse, st.HeapSize, st.HeapReserve)

	if err := e.Close(); err != nil {
		fatal(err)
	}
	if err := log.Close(); err != nil {
		fatal(err)
	}

	want := uint64(accounts) * initial
	if total != want {
		fatal(fmt.Errorf("balance check failed: total %d, want %d", total, want))
	}
	if heapErr != nil {
		fatal(heapErr)
	}
	fmt.Printf("balance:            %d ok\n", total)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "orizon-stm:", err)
	os.Exit(1)
}
