// Package manager owns the current GameData for the selected profile and runs
// the load/save cycles across every registered Contributor.
//
// Load: Store.Load -> Contributor.Pull (registration order) -> current data.
// Save: Contributor.Push (registration order) -> Store.Save.
//
// All operations are serialized by one mutex; the document is a single-writer
// resource and contributors are never called concurrently.
package manager

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/gamedata"
)

var (
	ErrNotFound = filestore.ErrNotFound
	// ErrNoGameData is a programming error: SaveGame before NewGame/LoadGame.
	ErrNoGameData = errors.New("manager: no game data; call NewGame or LoadGame first")
)

type Store interface {
	Load(profileID string) (*gamedata.GameData, filestore.LoadInfo, error)
	Save(profileID string, d *gamedata.GameData) error
	Exists(profileID string) (bool, error)
	Delete(profileID string) error
	LoadAllProfiles() (map[string]*gamedata.GameData, error)
	MostRecentProfileID() (string, bool, error)
}

type Config struct {
	// ProfileID is the profile selected at startup. When empty the most
	// recently updated profile is used, falling back to DefaultProfileID.
	ProfileID        string
	DefaultProfileID string

	// AutoSaveInterval is only held here; the scheduler lives elsewhere.
	AutoSaveInterval time.Duration

	// DisablePersistence turns LoadGame and SaveGame into no-ops.
	DisablePersistence bool
	// InitializeDataIfNull starts a new game when LoadGame finds no save.
	InitializeDataIfNull bool
}

type LoadResult struct {
	Profile     string
	NotFound    bool
	Recovered   bool
	Initialized bool
	Disabled    bool
}

type Manager struct {
	mu sync.Mutex

	store        Store
	cfg          Config
	contributors []Contributor
	observers    []Observer
	log          *log.Logger

	profileID string
	data      *gamedata.GameData

	now   func() time.Time
	newID func() string
}

func New(store Store, contributors []Contributor, cfg Config, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("manager: nil store")
	}
	for i, c := range contributors {
		if c == nil {
			return nil, fmt.Errorf("manager: contributor %d is nil", i)
		}
	}
	if cfg.DefaultProfileID == "" {
		cfg.DefaultProfileID = "0"
	}
	m := &Manager{
		store:        store,
		cfg:          cfg,
		contributors: append([]Contributor(nil), contributors...),
		log:          logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	m.profileID = strings.TrimSpace(cfg.ProfileID)
	if m.profileID == "" {
		m.profileID = cfg.DefaultProfileID
		if !cfg.DisablePersistence {
			id, ok, err := store.MostRecentProfileID()
			if err != nil {
				m.logf("select most recent profile: %v", err)
			} else if ok {
				m.profileID = id
			}
		}
	}
	return m, nil
}

func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Manager) SelectedProfileID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileID
}

func (m *Manager) AutoSaveInterval() time.Duration { return m.cfg.AutoSaveInterval }

func (m *Manager) HasGameData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data != nil
}

// Current returns a copy of the current document, or nil.
func (m *Manager) Current() *gamedata.GameData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

// SaveExists reports whether the profile has anything on disk, without
// touching the current document.
func (m *Manager) SaveExists(profileID string) (bool, error) {
	return m.store.Exists(profileID)
}

// Profiles loads every saved profile, keyed by id.
func (m *Manager) Profiles() (map[string]*gamedata.GameData, error) {
	return m.store.LoadAllProfiles()
}

func (m *Manager) NewGame() {
	m.mu.Lock()
	m.data = gamedata.New()
	ev := m.event(EventNewGame, nil)
	m.mu.Unlock()
	m.emit(ev)
}

// LoadGame loads the selected profile and hands it to every contributor.
// When no save exists the current document is cleared and ErrNotFound is
// returned, unless InitializeDataIfNull is set.
func (m *Manager) LoadGame() (LoadResult, error) {
	m.mu.Lock()
	res, evs, err := m.loadLocked()
	m.mu.Unlock()
	m.emit(evs...)
	return res, err
}

func (m *Manager) loadLocked() (LoadResult, []Event, error) {
	res := LoadResult{Profile: m.profileID}
	if m.cfg.DisablePersistence {
		res.Disabled = true
		return res, nil, nil
	}

	var evs []Event
	d, info, err := m.store.Load(m.profileID)
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		res.NotFound = true
		m.data = nil
		evs = append(evs, m.event(EventNotFound, nil))
		if !m.cfg.InitializeDataIfNull {
			return res, evs, err
		}
		d = gamedata.New()
		res.Initialized = true
		evs = append(evs, m.eventWith(EventNewGame, d, nil))
	case err != nil:
		m.logf("load profile %s: %v", m.profileID, err)
		return res, append(evs, m.event(EventLoadFailed, err)), err
	}
	res.Recovered = info.Recovered
	if info.Recovered {
		m.logf("load profile %s: primary save was corrupt, recovered from backup", m.profileID)
	}

	for i, c := range m.contributors {
		if err := invoke(PhasePull, i, c, d); err != nil {
			return res, append(evs, m.eventWith(EventLoadFailed, nil, err)), err
		}
	}
	m.data = d

	kind := EventLoaded
	if res.Recovered {
		kind = EventRecovered
	}
	if !res.Initialized {
		evs = append(evs, m.event(kind, nil))
	}
	return res, evs, nil
}

// SaveGame collects state from every contributor and writes it. A failing
// contributor aborts the save before anything reaches disk.
func (m *Manager) SaveGame() error {
	m.mu.Lock()
	ev, err := m.saveLocked()
	m.mu.Unlock()
	if ev != nil {
		m.emit(*ev)
	}
	return err
}

func (m *Manager) saveLocked() (*Event, error) {
	if m.cfg.DisablePersistence {
		return nil, nil
	}
	if m.data == nil {
		return nil, fmt.Errorf("save profile %q: %w", m.profileID, ErrNoGameData)
	}

	d := m.data.Clone()
	for i, c := range m.contributors {
		if err := invoke(PhasePush, i, c, d); err != nil {
			ev := m.eventWith(EventSaveFailed, nil, err)
			return &ev, err
		}
	}
	d.LastUpdated = m.now().UnixMilli()
	d.SaveID = m.newID()

	if err := m.store.Save(m.profileID, d); err != nil {
		m.logf("save profile %s: %v", m.profileID, err)
		ev := m.eventWith(EventSaveFailed, nil, err)
		return &ev, err
	}
	m.data = d
	ev := m.event(EventSaved, nil)
	return &ev, nil
}

// ChangeSelectedProfileID switches profiles and loads the new one. The
// outgoing profile is not saved, and its document is dropped even when the
// new profile fails to load.
func (m *Manager) ChangeSelectedProfileID(profileID string) (LoadResult, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return LoadResult{}, fmt.Errorf("manager: %w: empty", filestore.ErrInvalidProfile)
	}
	if _, err := m.store.Exists(profileID); errors.Is(err, filestore.ErrInvalidProfile) {
		return LoadResult{}, err
	}
	m.mu.Lock()
	if profileID != m.profileID {
		// A failed load must not leave the outgoing document under the new id.
		m.data = nil
	}
	m.profileID = profileID
	evs := []Event{m.event(EventProfileChanged, nil)}
	res, loadEvs, err := m.loadLocked()
	m.mu.Unlock()
	m.emit(append(evs, loadEvs...)...)
	return res, err
}

// DeleteProfile removes a profile from disk. If it was selected, the most
// recent remaining profile becomes selected and is loaded.
func (m *Manager) DeleteProfile(profileID string) error {
	m.mu.Lock()
	if err := m.store.Delete(profileID); err != nil {
		m.mu.Unlock()
		return err
	}
	evs := []Event{m.eventFor(EventProfileDeleted, profileID, nil, nil)}
	if profileID != m.profileID {
		m.mu.Unlock()
		m.emit(evs...)
		return nil
	}

	m.data = nil
	if id, ok, err := m.store.MostRecentProfileID(); err != nil {
		m.logf("select most recent profile: %v", err)
	} else if ok {
		m.profileID = id
		evs = append(evs, m.event(EventProfileChanged, nil))
	}
	_, loadEvs, err := m.loadLocked()
	m.mu.Unlock()
	m.emit(append(evs, loadEvs...)...)
	if errors.Is(err, filestore.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) event(kind EventKind, err error) Event {
	return m.eventWith(kind, m.data, err)
}

func (m *Manager) eventWith(kind EventKind, d *gamedata.GameData, err error) Event {
	return m.eventFor(kind, m.profileID, d, err)
}

func (m *Manager) eventFor(kind EventKind, profileID string, d *gamedata.GameData, err error) Event {
	ev := Event{Kind: kind, Profile: profileID, At: m.now().UTC()}
	if d != nil {
		ev.Data = d.Clone()
		ev.SaveID = d.SaveID
	}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

func (m *Manager) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, ev := range evs {
		for _, o := range obs {
			o.OnEvent(ev)
		}
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.log != nil {
		m.log.Printf(format, args...)
	}
}
