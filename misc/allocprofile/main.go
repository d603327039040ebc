// Command allocprofile parses a CPU profile captured from a
// frame.Allocator benchmark (via runtime/pprof) and prints the hottest
// symbols, the way misc/depgraph stands alongside the kernel tree as a
// small standalone diagnostic binary rather than a kernel subsystem.
package main

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/google/pprof/profile"
)

func usage(me string) {
	fmt.Printf("%s <profile.pb.gz>\n\nPrint the hottest symbols in a pprof CPU profile.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 2 {
		usage(os.Args[0])
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	p, err := profile.Parse(f)
	if err != nil {
		log.Fatal(err)
	}

	type hit struct {
		name  string
		value int64
	}
	totals := make(map[string]int64)
	var sampleValueIdx int
	for i, st := range p.SampleType {
		if st.Type == "samples" || st.Type == "cpu" {
			sampleValueIdx = i
			break
		}
	}

	for _, s := range p.Sample {
		if len(s.Location) == 0 {
			continue
		}
		loc := s.Location[0]
		name := "unknown"
		if len(loc.Line) > 0 && loc.Line[0].Function != nil {
			name = loc.Line[0].Function.Name
		}
		totals[name] += s.Value[sampleValueIdx]
	}

	hits := make([]hit, 0, len(totals))
	for name, v := range totals {
		hits = append(hits, hit{name: name, value: v})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].value > hits[j].value })

	for i, h := range hits {
		if i >= 20 {
			break
		}
		fmt.Printf("%8d  %s\n", h.value, h.name)
	}
}
