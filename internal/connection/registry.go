package connection

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/eventstream/internal/audit"
)

// Registry holds at most one Entry per client name for this process.
type Registry struct {
	cfg      RegistryConfig
	recorder audit.Recorder
	logger   *slog.Logger

	// Serializes Register and CloseAll so close-old/insert-new is atomic
	// with respect to other registrations.
	registerMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty Registry. A nil recorder discards session records.
func NewRegistry(cfg RegistryConfig, recorder audit.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultRegistryConfig().HeartbeatInterval
	}

	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		entries:  make(map[string]*Entry),
	}
}

// Register installs t as the connection for clientName and returns its entry.
//
// An existing entry for the same name is closed and removed before the new
// one becomes visible to Get.
func (r *Registry) Register(clientName string, t Transport) *Entry {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if old, ok := r.Get(clientName); ok {
		r.logger.Info("evicting existing connection",
			"client", clientName,
			"session", old.SessionID(),
		)
		old.close(ReasonEvicted)
		// A concurrent trigger may own the close; wait for it to finish.
		<-old.Done()
		r.release(old)
	}

	e := newEntry(clientName, t, r)

	r.mu.Lock()
	r.entries[clientName] = e
	total := len(r.entries)
	r.mu.Unlock()

	// Start after insertion so an already-dead transport removes its own entry.
	e.start()

	r.logger.Info("connection registered",
		"client", clientName,
		"session", e.SessionID(),
		"total", total,
	)
	return e
}

// Get returns the entry for clientName.
func (r *Registry) Get(clientName string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[clientName]
	return e, ok
}

// Has reports whether clientName has an entry.
func (r *Registry) Has(clientName string) bool {
	_, ok := r.Get(clientName)
	return ok
}

// Remove deletes the entry for clientName without closing it. It reports
// whether an entry was present.
func (r *Registry) Remove(clientName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[clientName]; !ok {
		return false
	}
	delete(r.entries, clientName)
	return true
}

// release removes e only if it is still the mapped entry for its name.
func (r *Registry) release(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.clientName]; !ok || cur != e {
		return false
	}
	delete(r.entries, e.clientName)
	return true
}

// Count returns the number of registered entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Enumerate returns stats for every entry, ordered by client name.
func (r *Registry) Enumerate() []Stats {
	entries := r.snapshot()
	stats := make([]Stats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, e.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ClientName < stats[j].ClientName
	})
	return stats
}

// CloseAll closes every entry and empties the registry. A failure closing
// one entry is logged and does not stop the sweep.
func (r *Registry) CloseAll() {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	entries := r.snapshot()
	r.logger.Info("closing all connections", "count", len(entries))

	failed := 0
	for _, e := range entries {
		if err := r.closeForShutdown(e); err != nil {
			failed++
			r.logger.Error("failed to close connection",
				"client", e.clientName,
				"session", e.id,
				"error", err,
			)
		}
	}

	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	r.logger.Info("all connections closed", "count", len(entries), "failed", failed)
}

func (r *Registry) closeForShutdown(e *Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("close panic: %v", p)
		}
	}()
	e.close(ReasonShutdown)
	return nil
}

func (r *Registry) snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}
