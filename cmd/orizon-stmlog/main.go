// Command orizon-stmlog summarizes an STM event log, or follows one while the
// engine writes it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

func main() {
	var (
		require string
		follow  bool
		events  bool
	)
	flag.StringVar(&require, "require", "^1.0.0", "semver constraint the log format must satisfy")
	flag.BoolVar(&follow, "follow", false, "keep reading as the log grows; print each record")
	flag.BoolVar(&events, "events", false, "print every record before the summary")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: orizon-stmlog [flags] <log>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	path := flag.Arg(0)
	if path == "" {
		path = os.Getenv(stmlog.EnvPath)
	}
	if path == "" {
		flag.Usage()
		os.Exit(2)
	}

	s := &summary{require: require, tally: stmlog.Tally{}, print: events || follow}
	var err error
	if follow {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		err = stmlog.Follow(ctx, path, s.add)
		stop()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		err = s.read(path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "orizon-stmlog:", err)
		os.Exit(1)
	}
	s.report()
}

type summary struct {
	require string
	print   bool
	format  string
	records int
	tally   stmlog.Tally
}

func (s *summary) add(rec stmlog.Record) error {
	if rec.Event == stmlog.Header {
		v, err := stmlog.CheckHeader(rec, s.require)
		if err != nil {
			return err
		}
		// a new run truncated the log
		s.format, s.records, s.tally = v.String(), 0, stmlog.Tally{}
	} else if s.format == "" {
		return errors.New("log does not start with a header record")
	}
	s.records++
	s.tally.Add(rec)
	if s.print {
		fmt.Printf("%-22s seg=%-3d", rec.Event, rec.Seg)
		keys := make([]string, 0, len(rec.Fields))
		for k := range rec.Fields {
			if k != "ev" && k != "seg" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf(" %s=%s", k, rec.Fields[k])
		}
		fmt.Println()
	}
	return nil
}

func (s *summary) read(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rd := stmlog.NewReader(f)
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.add(rec); err != nil {
			return err
		}
	}
}

func (s *summary) report() {
	fmt.Printf("format %s, %d records\n", s.format, s.records)
	for _, ev := range stmlog.Events {
		if n := s.tally[ev]; n != 0 {
			fmt.Printf("  %-22s %d\n", ev, n)
		}
	}
}
