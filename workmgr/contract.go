// Package workmgr defines the WorkManager contract of spec §6 (an
// external collaborator, specified only by interface) and ships one
// reference, in-process implementation, LocalManager, used by tests and
// the cmd/wesimctl demo.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package workmgr

import (
	"context"

	"github.com/wesim-project/wesim/particle"
)

// Propagator is the external numerical engine contract of spec §6: given
// a segment in PREPARED (pcoord seeded from its parent's endpoint or a
// source template), return it in COMPLETE with a full trajectory (>= 2
// samples) and CPUTime/WallTime set, or an error to mark it FAILED.
type Propagator func(ctx context.Context, seg *particle.Segment) (*particle.Segment, error)

// Manager is the WorkManager contract of spec §6.
type Manager interface {
	IsMaster() bool
	// Propagate dispatches segments and blocks until every one has
	// reached COMPLETE or FAILED, or until ctx is done or Cancel is
	// called, in which case unfinished segments are returned without
	// reaching either status.
	Propagate(ctx context.Context, segments []*particle.Segment) ([]*particle.Segment, error)
	Cancel()
}
