// Package caller captures lightweight call-stack snapshots for fatal-halt
// diagnostics.
package caller

import (
	"fmt"
	"runtime"
	"strings"
)

// Frame is one entry of a captured stack.
type Frame struct {
	Func string
	File string
	Line int
}

// Dump captures up to max frames above its own caller.
func Dump(max int) []Frame {
	pcs := make([]uintptr, max)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, Frame{Func: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

// String renders a dump one frame per line, function then file:line.
func String(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Func, f.File, f.Line)
	}
	return b.String()
}

// DistinctCaller deduplicates repeated call sites, so a hot-path panic
// handler doesn't flood the log with the same stack over and over.
type DistinctCaller struct {
	seen map[string]int
}

func NewDistinctCaller() *DistinctCaller {
	return &DistinctCaller{seen: make(map[string]int)}
}

// Seen records frames and reports how many times this exact stack has been
// seen before (0 the first time).
func (d *DistinctCaller) Seen(frames []Frame) int {
	key := String(frames)
	n := d.seen[key]
	d.seen[key] = n + 1
	return n
}
