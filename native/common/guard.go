package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module's flows are halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects operations against a paused module.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a fixed pause set resolved from configuration at startup.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[module]
}
