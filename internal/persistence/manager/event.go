package manager

import (
	"time"

	"keepsake.gg/internal/persistence/gamedata"
)

type EventKind string

const (
	EventNewGame        EventKind = "new_game"
	EventLoaded         EventKind = "loaded"
	EventRecovered      EventKind = "recovered"
	EventNotFound       EventKind = "not_found"
	EventLoadFailed     EventKind = "load_failed"
	EventSaved          EventKind = "saved"
	EventSaveFailed     EventKind = "save_failed"
	EventProfileChanged EventKind = "profile_changed"
	EventProfileDeleted EventKind = "profile_deleted"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	Profile string    `json:"profile"`
	SaveID  string    `json:"save_id,omitempty"`
	At      time.Time `json:"at"`
	Err     string    `json:"error,omitempty"`

	// Data is a copy of the document after the operation, when there is one.
	Data *gamedata.GameData `json:"-"`
}

// Observer is notified after each operation, outside the manager lock.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
