package localstore

import (
	"encoding/json"
	"sort"
	"strings"
)

// BasePrefix is the fixed prefix every cashsync key carries. Keys stored with
// only the base prefix predate per-user namespacing and are read as a
// fallback.
const BasePrefix = "cs_"

// Namespace scopes a Store to one signed-in user.
type Namespace struct {
	store  Store
	userID string
}

func NewNamespace(store Store, userID string) (*Namespace, error) {
	userID = strings.TrimSpace(userID)
	if store == nil || userID == "" {
		return nil, ErrInvalidInput
	}
	return &Namespace{store: store, userID: userID}, nil
}

func (n *Namespace) UserID() string {
	return n.userID
}

func (n *Namespace) Store() Store {
	return n.store
}

func (n *Namespace) Key(name string) string {
	return n.userPrefix() + name
}

func (n *Namespace) LegacyKey(name string) string {
	return BasePrefix + name
}

func (n *Namespace) userPrefix() string {
	return "u_" + n.userID + "_" + BasePrefix
}

// Get reads the namespaced key and falls back to the legacy key when the
// namespaced value is absent or empty.
func (n *Namespace) Get(name string) ([]byte, bool, error) {
	value, ok, err := n.store.Get(n.Key(name))
	if err != nil {
		return nil, false, err
	}
	if ok && len(value) > 0 {
		return value, true, nil
	}
	legacy, legacyOK, err := n.store.Get(n.LegacyKey(name))
	if err != nil {
		return nil, false, err
	}
	if legacyOK && len(legacy) > 0 {
		return legacy, true, nil
	}
	return nil, false, nil
}

func (n *Namespace) Set(name string, value []byte) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidInput
	}
	return n.store.Set(n.Key(name), value)
}

// Remove deletes both the namespaced and the legacy key so removed data does
// not reappear through the fallback read.
func (n *Namespace) Remove(name string) error {
	if err := n.store.Remove(n.Key(name)); err != nil {
		return err
	}
	return n.store.Remove(n.LegacyKey(name))
}

// ListKeys returns the un-prefixed names under prefix from both the user's
// namespace and the legacy keyspace.
func (n *Namespace) ListKeys(prefix string) ([]string, error) {
	seen := map[string]struct{}{}
	userKeys, err := n.store.ListKeys(n.Key(prefix))
	if err != nil {
		return nil, err
	}
	for _, key := range userKeys {
		seen[strings.TrimPrefix(key, n.userPrefix())] = struct{}{}
	}
	legacyKeys, err := n.store.ListKeys(n.LegacyKey(prefix))
	if err != nil {
		return nil, err
	}
	for _, key := range legacyKeys {
		seen[strings.TrimPrefix(key, BasePrefix)] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (n *Namespace) GetJSON(name string, dst any) (bool, error) {
	data, ok, err := n.Get(name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (n *Namespace) SetJSON(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return n.Set(name, data)
}
