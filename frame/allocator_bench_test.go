package frame

import (
	"testing"

	"kfs/kerr"
)

// BenchmarkAllocateFramesFragmented is the benchmark misc/allocprofile is
// meant to be pointed at: run with -cpuprofile to produce the .pb.gz input
// that tool parses.
func BenchmarkAllocateFramesFragmented(b *testing.B) {
	a := newTestAllocator(4096)
	for i := 0; i < b.N; i++ {
		frames, err := a.AllocateFramesFragmented(8)
		if err != kerr.OK {
			b.Fatalf("AllocateFramesFragmented: %v", err)
		}
		a.FreeFrames(frames)
	}
}
