// Package presence tracks which users are registered, whether they are online
// and which connection currently represents them.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/NicolasHaas/skylink/pkg/model"
)

var (
	ErrDuplicateUser = errors.New("presence: user already online")
	ErrUnknownUser   = errors.New("presence: user never registered")
	ErrNotFound      = errors.New("presence: user not found")
	ErrInvalidUser   = errors.New("presence: username and connection are required")
)

// ChangeFunc is called after every local mutation with the entry that changed
// and a snapshot of the whole registry, sorted by username.
type ChangeFunc func(changed model.User, all []model.User)

// Registry is the in-memory user directory. Entries are never deleted; a
// disconnect only flips the status to offline.
type Registry struct {
	node string
	log  *slog.Logger

	// order serializes local mutations together with their change
	// callbacks, so snapshots reach the callback in mutation order.
	order sync.Mutex

	mu    sync.RWMutex
	users map[string]*model.User

	cbMu     sync.RWMutex
	onChange ChangeFunc
}

// New creates an empty registry owned by the given node.
func New(node string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		node:  node,
		log:   log,
		users: make(map[string]*model.User),
	}
}

// OnChange installs the mutation callback. It replaces any previous one.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.cbMu.Lock()
	r.onChange = fn
	r.cbMu.Unlock()
}

// Register adds username bound to connID. A username that is present and
// online is rejected; one that is present but offline is rebound.
func (r *Registry) Register(username string, role model.Role, connID string) (model.User, error) {
	if username == "" || connID == "" {
		return model.User{}, ErrInvalidUser
	}
	if role == "" {
		role = model.RoleUser
	}

	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	if u, ok := r.users[username]; ok && u.Online() {
		r.mu.Unlock()
		return model.User{}, fmt.Errorf("presence: register %q: %w", username, ErrDuplicateUser)
	}
	u := &model.User{
		Username: username,
		Role:     role,
		Status:   model.StatusOnline,
		ConnID:   connID,
		Node:     r.node,
	}
	r.users[username] = u
	out, all := *u, r.snapshotLocked()
	r.mu.Unlock()

	r.log.Debug("user registered", "user", username, "conn", connID)
	r.notify(out, all)
	return out, nil
}

// Bind rebinds an existing user to a new connection and marks it online.
// The last bind wins.
func (r *Registry) Bind(username, connID string) (model.User, error) {
	if username == "" || connID == "" {
		return model.User{}, ErrInvalidUser
	}

	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	u, ok := r.users[username]
	if !ok {
		r.mu.Unlock()
		return model.User{}, fmt.Errorf("presence: bind %q: %w", username, ErrUnknownUser)
	}
	u.ConnID = connID
	u.Status = model.StatusOnline
	u.Node = r.node
	out, all := *u, r.snapshotLocked()
	r.mu.Unlock()

	r.log.Debug("user bound", "user", username, "conn", connID)
	r.notify(out, all)
	return out, nil
}

// Ensure binds username to connID, creating the entry if it was never seen
// by this registry. Used when a persisted account logs in on a fresh process.
func (r *Registry) Ensure(username string, role model.Role, connID string) (model.User, error) {
	if username == "" || connID == "" {
		return model.User{}, ErrInvalidUser
	}
	if role == "" {
		role = model.RoleUser
	}

	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	u, ok := r.users[username]
	if !ok {
		u = &model.User{Username: username, Role: role}
		r.users[username] = u
	}
	u.ConnID = connID
	u.Status = model.StatusOnline
	u.Node = r.node
	out, all := *u, r.snapshotLocked()
	r.mu.Unlock()

	r.notify(out, all)
	return out, nil
}

// SetOffline marks username offline. Unknown usernames are ignored.
func (r *Registry) SetOffline(username string) {
	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	u, ok := r.users[username]
	if !ok || !u.Online() {
		r.mu.Unlock()
		return
	}
	u.Status = model.StatusOffline
	u.ConnID = ""
	out, all := *u, r.snapshotLocked()
	r.mu.Unlock()

	r.notify(out, all)
}

// Release marks username offline only if connID is still its bound
// connection. It reports whether the entry changed.
func (r *Registry) Release(username, connID string) bool {
	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	u, ok := r.users[username]
	if !ok || !u.Online() || u.ConnID != connID {
		r.mu.Unlock()
		return false
	}
	u.Status = model.StatusOffline
	u.ConnID = ""
	out, all := *u, r.snapshotLocked()
	r.mu.Unlock()

	r.log.Debug("user released", "user", username, "conn", connID)
	r.notify(out, all)
	return true
}

// Lookup returns a copy of the entry for username.
func (r *Registry) Lookup(username string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return model.User{}, fmt.Errorf("presence: lookup %q: %w", username, ErrNotFound)
	}
	return *u, nil
}

// List returns a snapshot of every entry sorted by username.
func (r *Registry) List() []model.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Local returns the online entries bound on this node.
func (r *Registry) Local() []model.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.User
	for _, u := range r.users {
		if u.Node == r.node && u.Online() {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len returns the number of entries, online or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Online returns the number of online entries.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, u := range r.users {
		if u.Online() {
			n++
		}
	}
	return n
}

// Apply installs an entry mirrored from another node. It does not invoke the
// change callback. An offline update from a node that no longer owns the
// user is ignored so a stale disconnect cannot override a newer bind.
func (r *Registry) Apply(remote model.User) {
	if remote.Username == "" || remote.Node == r.node {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[remote.Username]
	if !ok {
		c := remote
		r.users[remote.Username] = &c
		return
	}
	if !remote.Online() && u.Node != remote.Node {
		return
	}
	*u = remote
}

// ForgetNode marks every entry owned by node offline and returns how many
// entries changed.
func (r *Registry) ForgetNode(node string) int {
	if node == r.node {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.users {
		if u.Node == node && u.Online() {
			u.Status = model.StatusOffline
			u.ConnID = ""
			n++
		}
	}
	return n
}

func (r *Registry) snapshotLocked() []model.User {
	out := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// notify runs the change callback with r.order held and r.mu released. The
// callback may read the registry but must not mutate it.
func (r *Registry) notify(changed model.User, all []model.User) {
	r.cbMu.RLock()
	fn := r.onChange
	r.cbMu.RUnlock()
	if fn == nil {
		return
	}
	fn(changed, all)
}
