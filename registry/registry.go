// Package registry maps media identifiers to the segment stores built for
// them. The mapping is the sole source of truth for "already indexed": it is
// cached in memory and persisted to a timestamped snapshot file on every
// write, so it survives process restarts.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vbabua/video-map-agent/core"
)

const snapshotPrefix = "registry_"

// Registry is constructed once at process start and injected into the
// pipeline and search components.
type Registry struct {
	dir  string
	keep int

	mu      sync.Mutex
	entries map[string]core.StoreHandle
	loaded  bool
	loadErr error
}

// New returns a registry persisting under dir, retaining the last keep
// snapshot files after each write. keep <= 0 disables pruning.
func New(dir string, keep int) *Registry {
	return &Registry{dir: dir, keep: keep}
}

// Exists reports whether mediaID already has a registered store.
func (r *Registry) Exists(mediaID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return false, err
	}
	_, ok := r.entries[mediaID]
	return ok, nil
}

// Lookup resolves mediaID to its store handle.
func (r *Registry) Lookup(mediaID string) (core.StoreHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return core.StoreHandle{}, err
	}
	h, ok := r.entries[mediaID]
	if !ok {
		return core.StoreHandle{}, fmt.Errorf("media %q: %w", mediaID, core.ErrMediaNotIndexed)
	}
	return h, nil
}

// Register inserts or overwrites the entry for handle's media identifier and
// durably persists the entire mapping to a new snapshot before returning.
func (r *Registry) Register(handle core.StoreHandle) error {
	if !handle.Valid() {
		return fmt.Errorf("register: incomplete store handle %+v", handle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}

	prev, had := r.entries[handle.MediaIdentifier]
	r.entries[handle.MediaIdentifier] = handle
	if err := r.persist(); err != nil {
		if had {
			r.entries[handle.MediaIdentifier] = prev
		} else {
			delete(r.entries, handle.MediaIdentifier)
		}
		return fmt.Errorf("persist registry: %w", err)
	}

	r.prune()
	return nil
}

// List returns every registered handle, ordered by media identifier.
func (r *Registry) List() ([]core.StoreHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	out := make([]core.StoreHandle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MediaIdentifier < out[j].MediaIdentifier })
	return out, nil
}

// LoadReport surfaces what happened during the lazy snapshot load. A corrupt
// snapshot leaves the registry usable but empty; callers on durability-
// critical paths can check for core.ErrRegistryCorrupt here.
func (r *Registry) LoadReport() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	return r.loadErr
}

// ensureLoaded performs the one-time lazy load of the lexicographically
// greatest snapshot. Callers hold r.mu.
func (r *Registry) ensureLoaded() error {
	if r.loaded {
		return nil
	}
	r.entries = make(map[string]core.StoreHandle)
	r.loaded = true

	latest, err := r.latestSnapshot()
	if err != nil {
		return err
	}
	if latest == "" {
		log.Printf("Registry: no snapshots under %s, starting empty", r.dir)
		return nil
	}

	data, err := os.ReadFile(latest)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", latest, err)
	}

	var entries map[string]core.StoreHandle
	if err := json.Unmarshal(data, &entries); err != nil {
		r.loadErr = fmt.Errorf("snapshot %s: %v: %w", latest, err, core.ErrRegistryCorrupt)
		fmt.Printf("Warning: %v, starting with an empty registry\n", r.loadErr)
		return nil
	}
	for id, h := range entries {
		if !h.Valid() {
			r.loadErr = fmt.Errorf("snapshot %s: entry %q incomplete: %w", latest, id, core.ErrRegistryCorrupt)
			fmt.Printf("Warning: %v, skipping entry\n", r.loadErr)
			continue
		}
		r.entries[id] = h
	}
	log.Printf("Registry: loaded %d entries from %s", len(r.entries), latest)
	return nil
}

func (r *Registry) latestSnapshot() (string, error) {
	names, err := r.snapshotNames()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return filepath.Join(r.dir, names[len(names)-1]), nil
}

// snapshotNames returns snapshot file names sorted ascending, so the last
// element is the most recent.
func (r *Registry) snapshotNames() ([]string, error) {
	dirents, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry dir %s: %w", r.dir, err)
	}

	var names []string
	for _, d := range dirents {
		name := d.Name()
		if !d.IsDir() && strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// persist writes the full mapping to a fresh timestamped snapshot. The
// nanosecond stamp keeps names unique and lexicographically ordered even for
// writes within the same second. Callers hold r.mu.
func (r *Registry) persist() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	path := filepath.Join(r.dir, fmt.Sprintf("%s%s.json", snapshotPrefix, stamp))

	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	log.Printf("Registry: persisted %d entries to %s", len(r.entries), path)
	return nil
}

// prune removes all but the newest keep snapshots. Failures only warn: the
// newest snapshot is already durable. Callers hold r.mu.
func (r *Registry) prune() {
	if r.keep <= 0 {
		return
	}
	names, err := r.snapshotNames()
	if err != nil {
		fmt.Printf("Warning: registry prune skipped: %v\n", err)
		return
	}
	for len(names) > r.keep {
		victim := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(r.dir, victim)); err != nil {
			fmt.Printf("Warning: failed to remove old snapshot %s: %v\n", victim, err)
		}
	}
}
