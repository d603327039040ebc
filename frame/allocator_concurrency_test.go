package frame

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"kfs/kerr"
)

// TestConcurrentAllocateRegionDisjoint checks that concurrent
// AllocateRegion calls that both succeed return non-overlapping ranges.
// golang.org/x/sync/errgroup drives the fan-out the same way it would
// coordinate any other batch of independent workers.
func TestConcurrentAllocateRegionDisjoint(t *testing.T) {
	const workers = 32
	const perWorker = 4

	a := newTestAllocator(workers * perWorker)

	results := make([]PhysicalMemRegion, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			r, err := a.AllocateRegion(perWorker)
			if err != kerr.OK {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent AllocateRegion failed: %v", err)
	}

	seen := make(map[Frame]int)
	for i, r := range results {
		for f := r.Start; f < r.End(); f++ {
			if prev, ok := seen[f]; ok {
				t.Fatalf("frame %d allocated to both worker %d and worker %d", f, prev, i)
			}
			seen[f] = i
		}
	}
}

// TestConcurrentFragmentedAllocAndFree checks that interleaved fragmented
// allocation and freeing never corrupts the bitmap into double-allocating a
// frame, using errgroup the same way the disjointness test does.
func TestConcurrentFragmentedAllocAndFree(t *testing.T) {
	const workers = 16
	a := newTestAllocator(workers * 8)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			frames, err := a.AllocateFramesFragmented(4)
			if err != kerr.OK {
				return err
			}
			a.FreeFrames(frames)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent fragmented alloc/free failed: %v", err)
	}

	for f := Frame(0); f < Frame(workers*8); f++ {
		if a.CheckIsAllocated(f) {
			t.Fatalf("frame %d still allocated after every worker freed its frames", f)
		}
	}
}
