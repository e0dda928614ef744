// Package cmn holds small, dependency-light types shared across the WE
// simulation core: configuration, error kinds, and a stop-channel helper.
// Nothing here is a package-level singleton; callers construct and thread
// a *Config explicitly (see config.go).
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package cmn

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds from spec §7. Each is a sentinel; call sites wrap it with
// pkgerrors.Wrap so the call chain is preserved while errors.Is still
// matches the sentinel after unwrapping.
var (
	ErrPropagationIncomplete = errors.New("propagation incomplete")
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrEmptyBinWithTarget    = errors.New("empty bin with nonzero target and no source")
	ErrOutOfDomain           = errors.New("pcoord out of domain")
	ErrWeightUnderflow       = errors.New("weight underflow")
	ErrReweightingRejected   = errors.New("reweighting rejected")
	ErrStoreTransaction      = errors.New("store transaction failure")
	ErrTimeout               = errors.New("propagation timeout")
	ErrConfig                = errors.New("configuration error")
)

// Wrap annotates err with msg while preserving errors.Is/As against any
// sentinel err already wraps.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}
