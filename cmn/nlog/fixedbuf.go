// Package nlog provides the core's leveled logger: a thin wrapper over
// glog plus a bounded ring of recent diagnostic lines, so that rejections
// and warnings raised deep inside the Resampler or ReweightingDriver
// (spec §4.4's "a diagnostic is reported") can be inspected by a caller or
// a test without scraping stdout.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package nlog

import "sync"

// ring is a fixed-capacity, overwrite-oldest buffer of recent log lines.
// Adapted from the teacher's fixed byte-buffer writer (cmn/nlog/fixedbuf.go,
// a single discard-when-full []byte): that shape doesn't fit "keep the last
// N diagnostics", so here capacity is counted in lines, not bytes, and the
// buffer wraps instead of silently discarding once full.
type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{lines: make([]string, capacity)}
}

func (r *ring) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns the buffered lines oldest-first.
func (r *ring) recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, len(r.lines))
	copy(out, r.lines[r.next:])
	copy(out[len(r.lines)-r.next:], r.lines[:r.next])
	return out
}
