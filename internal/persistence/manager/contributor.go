package manager

import (
	"fmt"

	"keepsake.gg/internal/persistence/gamedata"
)

// Contributor is implemented by every object that owns part of the saved
// state. The GameData reference is only valid for the duration of the call.
//
// Pull copies the contributor's keys out of d into local state. A missing key
// must be treated as first run: fall back to a default and write it into d.
// Push writes local state into d, creating keys as needed.
type Contributor interface {
	Pull(d *gamedata.GameData) error
	Push(d *gamedata.GameData) error
}

// Named contributors are reported by name in errors.
type Named interface {
	Name() string
}

type Phase string

const (
	PhasePull Phase = "pull"
	PhasePush Phase = "push"
)

type ContributorError struct {
	Index int
	Name  string
	Phase Phase
	Err   error
}

func (e *ContributorError) Error() string {
	return fmt.Sprintf("manager: contributor %d (%s) %s: %v", e.Index, e.Name, e.Phase, e.Err)
}

func (e *ContributorError) Unwrap() error { return e.Err }

func contributorName(c Contributor) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

// invoke runs one contributor call. A panic is turned into a
// ContributorError so the cycle aborts the same way a returned error does.
func invoke(phase Phase, i int, c Contributor, d *gamedata.GameData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ContributorError{Index: i, Name: contributorName(c), Phase: phase, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	switch phase {
	case PhasePull:
		err = c.Pull(d)
	default:
		err = c.Push(d)
	}
	if err != nil {
		return &ContributorError{Index: i, Name: contributorName(c), Phase: phase, Err: err}
	}
	return nil
}
