package approval

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// UserInfo is the directory's view of a principal.
type UserInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Directory resolves user ids and role/group memberships. Implementations
// typically front an identity provider or HR system.
type Directory interface {
	// User resolves a user id to display name and contact.
	User(ctx context.Context, id string) (UserInfo, error)

	// UsersByRole returns every user holding the role.
	UsersByRole(ctx context.Context, role string) ([]UserInfo, error)

	// UsersByGroup returns every member of the group.
	UsersByGroup(ctx context.Context, group string) ([]UserInfo, error)
}

// Notifier dispatches user-facing notifications. Calls are fire-and-forget
// from the engine's point of view: failures are logged and never block
// workflow progress.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, message, priority string, data map[string]interface{}) error

	// NotifyEmail sends to a raw contact address instead of a user id.
	NotifyEmail(ctx context.Context, contact, subject, body string) error
}

// InMemoryDirectory is a Directory backed by maps, for embedding and tests.
type InMemoryDirectory struct {
	mu     sync.RWMutex
	users  map[string]UserInfo
	roles  map[string][]string
	groups map[string][]string
}

// NewInMemoryDirectory creates an empty InMemoryDirectory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		users:  make(map[string]UserInfo),
		roles:  make(map[string][]string),
		groups: make(map[string][]string),
	}
}

// AddUser registers or replaces a user record.
func (d *InMemoryDirectory) AddUser(u UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// AssignRole adds the user to a role.
func (d *InMemoryDirectory) AssignRole(userID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.roles[role] {
		if id == userID {
			return
		}
	}
	d.roles[role] = append(d.roles[role], userID)
}

// AssignGroup adds the user to a group.
func (d *InMemoryDirectory) AssignGroup(userID, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.groups[group] {
		if id == userID {
			return
		}
	}
	d.groups[group] = append(d.groups[group], userID)
}

// User resolves a user id.
func (d *InMemoryDirectory) User(ctx context.Context, id string) (UserInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return UserInfo{}, fmt.Errorf("user not found: %s", id)
	}
	return u, nil
}

// UsersByRole returns every user holding the role.
func (d *InMemoryDirectory) UsersByRole(ctx context.Context, role string) ([]UserInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members(d.roles[role]), nil
}

// UsersByGroup returns every member of the group.
func (d *InMemoryDirectory) UsersByGroup(ctx context.Context, group string) ([]UserInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members(d.groups[group]), nil
}

func (d *InMemoryDirectory) members(ids []string) []UserInfo {
	out := make([]UserInfo, 0, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out = append(out, u)
		} else {
			out = append(out, UserInfo{ID: id})
		}
	}
	return out
}

// LogNotifier is a Notifier that only logs. It is the default when the host
// does not wire a transport.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, userID, kind, title, message, priority string, data map[string]interface{}) error {
	n.Logger.Info("notify",
		zap.String("user_id", userID),
		zap.String("kind", kind),
		zap.String("title", title),
		zap.String("priority", priority))
	return nil
}

// NotifyEmail logs the email.
func (n *LogNotifier) NotifyEmail(ctx context.Context, contact, subject, body string) error {
	n.Logger.Info("notify email", zap.String("contact", contact), zap.String("subject", subject))
	return nil
}
