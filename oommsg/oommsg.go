// Package oommsg carries a non-blocking out-of-memory notification channel.
package oommsg

// Ch is posted to (non-blocking) whenever frame.Allocator fails to satisfy a
// request for lack of physical memory. A consumer (a userspace OOM-killer
// analog, or a test) drains it; nothing blocks if no one is listening.
var Ch = make(chan bool, 1)

// Notify posts without blocking if the channel already has a pending
// notification.
func Notify() {
	select {
	case Ch <- true:
	default:
	}
}
