package common

import (
	coreerrors "bittrust/core/errors"
)

// Module names understood by Guard.
const (
	ModuleLending    = "lending"
	ModulePool       = "pool"
	ModuleFlash      = "flash"
	ModuleDelegation = "delegation"
)

// ErrModulePaused is returned when an operation targets a paused module.
var ErrModulePaused = coreerrors.ErrPaused

type PauseView interface {
	IsPaused(module string) bool
}

// Pauses is a static PauseView keyed by module name.
type Pauses map[string]bool

// IsPaused implements PauseView.
func (p Pauses) IsPaused(module string) bool { return p[module] }

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return coreerrors.Wrap(ErrModulePaused, "%s", module)
	}
	return nil
}
