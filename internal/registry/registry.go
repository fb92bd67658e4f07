// Package registry implements the process-wide connection registry: a
// thread-safe map from connection id to driver handle, guarded by a lock
// that admits concurrent readers and single-writer mutation.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// Entry is one open database session. The
// registry exclusively owns Entry values; callers borrow a reference for
// the duration of one operation and must not retain it past that.
type Entry struct {
	ID       int64
	Driver   driver.Driver
	Tag      driver.Tag
	ConnStr  string
	password string // stored only for reconnect; never logged, never listed

	Host     string
	Port     int
	User     string
	Database string

	Tables []string

	// ConnMutex serializes operation starts on this connection: only one
	// operation may run on a given connection at a time. Distinct from,
	// and always acquired after, the registry's own lock.
	ConnMutex sync.Mutex

	inFlight atomic.Bool
}

// SetInFlight/InFlight track whether an operation is currently running on
// this connection, surfaced over RPC as ConnectionInfo.InFlight so a
// client can tell whether cancel is meaningful.
func (e *Entry) SetInFlight(v bool) { e.inFlight.Store(v) }
func (e *Entry) InFlight() bool     { return e.inFlight.Load() }

// Registry is the process-wide connection table.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*Entry
	nextID  int64 // monotonically increasing, never reused
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]*Entry)}
}

// ErrUnknownConnection is returned by operations addressing a connection
// id the registry does not hold.
type ErrUnknownConnection struct{ ID int64 }

func (e ErrUnknownConnection) Error() string {
	return fmt.Sprintf("unknown connection id %d", e.ID)
}

// Open resolves the driver from connstr's URI scheme, opens it, allocates
// the next id, and records the entry. If the driver open fails, the id is
// never allocated.
func (r *Registry) Open(ctx context.Context, connstr string, password string) (int64, error) {
	parsed, err := driver.ParseConnString(connstr)
	if err != nil {
		return 0, err
	}
	resolvedPassword := driver.ResolvePassword(parsed, password)

	d, err := driver.Open(ctx, parsed.Tag, connstr, resolvedPassword)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID

	r.entries[id] = &Entry{
		ID:       id,
		Driver:   d,
		Tag:      parsed.Tag,
		ConnStr:  connstr,
		password: resolvedPassword,
		Host:     parsed.Host,
		Port:     parsed.Port,
		User:     parsed.User,
		Database: parsed.Database,
	}
	return id, nil
}

// Close cancels any in-flight operation (via the driver's best-effort
// cancel hook) and releases the driver handle. Closing an unknown id
// fails with ErrUnknownConnection.
func (r *Registry) Close(ctx context.Context, id int64) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection{ID: id}
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if entry.InFlight() {
		_ = entry.Driver.CancelCurrent(ctx)
	}
	return entry.Driver.Close()
}

// Borrow holds a reader lock on the registry only long enough to look up
// and return the entry pointer; callers must not hold the registry lock
// across a blocking driver call. The returned entry remains valid
// until Close(id) is called.
func (r *Registry) Borrow(id int64) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrUnknownConnection{ID: id}
	}
	return entry, nil
}

// List returns sanitised metadata for every open connection, never
// including the stored password.
func (r *Registry) List() []types.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ConnectionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, types.ConnectionInfo{
			ID:       e.ID,
			Driver:   string(e.Tag),
			Database: e.Database,
			Host:     e.Host,
			Port:     e.Port,
			User:     e.User,
			InFlight: e.InFlight(),
		})
	}
	return out
}

// MarkTables caches the table list for id, refreshed by list_tables.
func (r *Registry) MarkTables(id int64, tables []string) error {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection{ID: id}
	}
	entry.Tables = tables
	return nil
}

// Reconnect re-opens the driver for an existing entry using its original
// connection string and stored (or freshly supplied) password. The
// password lives in process memory only, for exactly the connection's
// lifetime.
func (r *Registry) Reconnect(ctx context.Context, id int64, password string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection{ID: id}
	}
	r.mu.Unlock()

	entry.ConnMutex.Lock()
	defer entry.ConnMutex.Unlock()

	pw := password
	if pw == "" {
		pw = entry.password
	}

	parsed, err := driver.ParseConnString(entry.ConnStr)
	if err != nil {
		return err
	}

	newDriver, err := driver.Open(ctx, parsed.Tag, entry.ConnStr, pw)
	if err != nil {
		return err
	}

	old := entry.Driver
	entry.Driver = newDriver
	entry.password = pw
	_ = old.Close()
	return nil
}

// CloseAll closes every open connection, used during daemon shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[int64]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.InFlight() {
			_ = e.Driver.CancelCurrent(ctx)
		}
		_ = e.Driver.Close()
	}
}

// Len reports the number of open connections, mainly for tests and the
// supplemental server_info RPC.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
