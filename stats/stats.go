// Package stats implements lightweight instrumentation counters with a
// reflection-driven dump, so kernel subsystems can expose throughput and
// scan-length numbers without carrying a wider metrics stack.
package stats

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// Enabled gates whether counters actually accumulate, so a build that does
// not want the overhead can switch them off globally.
var Enabled = true

// Counter is a monotonically increasing instrumentation counter.
type Counter struct {
	v int64
}

func (c *Counter) Add(n int64) {
	if !Enabled {
		return
	}
	atomic.AddInt64(&c.v, n)
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Get() int64 { return atomic.LoadInt64(&c.v) }

// Dump walks a struct of Counter fields by reflection and renders one
// name-per-line report, so a subsystem exposing a counter block gets a
// formatted dump for free.
func Dump(name string, block interface{}) string {
	v := reflect.ValueOf(block)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	s := fmt.Sprintf("%s:\n", name)
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		c, ok := f.Addr().Interface().(*Counter)
		if !ok {
			continue
		}
		s += fmt.Sprintf("  %s: %d\n", t.Field(i).Name, c.Get())
	}
	return s
}
