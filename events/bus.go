// Package events implements the typed, fixed-stage callback bus the
// Design Notes call for in place of "ad-hoc callback registration on the
// sim manager": handlers are plain function values registered against one
// of a fixed set of stages, fired in ascending priority order.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package events

import "sort"

// Stage is one of the fixed points in the iteration lifecycle a handler
// may hook.
type Stage int

const (
	// StagePrepareNewIteration fires once Resampler has produced the next
	// generation's particles but before they are committed as segments;
	// this is where ReweightingDriver hooks in (spec §4.4).
	StagePrepareNewIteration Stage = iota
	StagePreIteration
	StagePostIteration
)

// Handler is a plain callback, not a bound method: it receives the
// iteration number the bus is firing for.
type Handler func(nIter uint64) error

type entry struct {
	priority int
	handler  Handler
}

// Bus holds, per Stage, an ascending-priority ordered handler list.
type Bus struct {
	handlers map[Stage][]entry
}

func New() *Bus {
	return &Bus{handlers: make(map[Stage][]entry)}
}

// Register adds handler to stage at priority (lower runs first, matching
// the teacher's weed.priority/callback ordering convention).
func (b *Bus) Register(stage Stage, priority int, handler Handler) {
	b.handlers[stage] = append(b.handlers[stage], entry{priority: priority, handler: handler})
	sort.SliceStable(b.handlers[stage], func(i, j int) bool {
		return b.handlers[stage][i].priority < b.handlers[stage][j].priority
	})
}

// Fire runs every handler registered for stage, in priority order,
// stopping at the first error.
func (b *Bus) Fire(stage Stage, nIter uint64) error {
	for _, e := range b.handlers[stage] {
		if err := e.handler(nIter); err != nil {
			return err
		}
	}
	return nil
}
