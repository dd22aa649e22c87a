package main

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	"keepsake.gg/internal/config"
	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/indexdb"
	persistlog "keepsake.gg/internal/persistence/log"
	"keepsake.gg/internal/persistence/manager"
	"keepsake.gg/internal/transport/admin"
)

// runtime holds the store and the optional event sinks around it.
type runtime struct {
	store   *filestore.Store
	index   *indexdb.SQLiteIndex
	journal *persistlog.EventLogger
	metrics *eventMetrics
	log     *log.Logger
}

func openRuntime(cfg config.Config, logger *log.Logger) (*runtime, error) {
	store, err := cfg.OpenStore(logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, metrics: newEventMetrics(), log: logger}

	if cfg.Index.Enabled && !cfg.Persistence.DisablePersistence {
		idx, err := indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("open index %s: %w", cfg.Index.Path, err)
		}
		rt.index = idx
	}
	if cfg.Journal.Enabled && !cfg.Persistence.DisablePersistence {
		j := persistlog.NewEventLogger(cfg.Persistence.DataDir)
		j.OnError(func(err error) { logger.Printf("journal: %v", err) })
		rt.journal = j
	}
	return rt, nil
}

func (rt *runtime) observe(mgr *manager.Manager) {
	mgr.AddObserver(rt.metrics)
	if rt.index != nil {
		mgr.AddObserver(rt.index)
	}
	if rt.journal != nil {
		mgr.AddObserver(rt.journal)
	}
}

// profileIndex returns nil when the index is disabled so the admin server
// falls back to disk.
func (rt *runtime) profileIndex() admin.ProfileIndex {
	if rt.index == nil {
		return nil
	}
	return rt.index
}

func (rt *runtime) Close() {
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			rt.log.Printf("close index: %v", err)
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.log.Printf("close journal: %v", err)
		}
	}
}

type eventMetrics struct {
	mu     sync.Mutex
	counts map[manager.EventKind]uint64
}

func newEventMetrics() *eventMetrics {
	return &eventMetrics{counts: map[manager.EventKind]uint64{}}
}

func (m *eventMetrics) OnEvent(ev manager.Event) {
	m.mu.Lock()
	m.counts[ev.Kind]++
	m.mu.Unlock()
}

func (m *eventMetrics) Handler(idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		kinds := make([]string, 0, len(m.counts))
		vals := make(map[string]uint64, len(m.counts))
		for k, v := range m.counts {
			kinds = append(kinds, string(k))
			vals[string(k)] = v
		}
		m.mu.Unlock()
		sort.Strings(kinds)

		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(rw, "# HELP keepsake_events_total Persistence events by kind.\n")
		fmt.Fprintf(rw, "# TYPE keepsake_events_total counter\n")
		for _, k := range kinds {
			fmt.Fprintf(rw, "keepsake_events_total{kind=%q} %d\n", k, vals[k])
		}
		if idx == nil {
			return
		}
		st := idx.Stats()
		fmt.Fprintf(rw, "# HELP keepsake_index_queue_depth Current index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE keepsake_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "keepsake_index_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP keepsake_index_drop_total Events dropped because the index queue was full.\n")
		fmt.Fprintf(rw, "# TYPE keepsake_index_drop_total counter\n")
		fmt.Fprintf(rw, "keepsake_index_drop_total %d\n", st.DropTotal)
	}
}
