// Package directory caches the set of tracked user addresses so the
// ingestion pipeline can gate senders without a store query per message.
package directory

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"crm-mail-ingest-go/internal/model"
	"crm-mail-ingest-go/internal/repository"
)

// Cache holds a snapshot of the addresses belonging to regular user
// accounts. Refresh replaces the snapshot wholesale; no reader ever sees a
// partially updated set. Staleness between refreshes is tolerated; a new
// user's first email may be missed until the next refresh.
type Cache struct {
	store repository.Store

	mu        sync.RWMutex
	addresses map[string]struct{}
}

func NewCache(store repository.Store) *Cache {
	return &Cache{
		store:     store,
		addresses: make(map[string]struct{}),
	}
}

// Refresh rebuilds the snapshot from the store and returns the new size
func (c *Cache) Refresh() (int, error) {
	addresses, err := c.store.ListUserAddresses()
	if err != nil {
		return 0, err
	}

	next := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		next[addr] = struct{}{}
	}

	c.mu.Lock()
	c.addresses = next
	c.mu.Unlock()

	logrus.Infof("User directory cache refreshed: %d addresses", len(next))
	return len(next), nil
}

// Contains reports whether the address belongs to a tracked user in the
// last-refreshed snapshot. The address is expected in canonical form.
func (c *Cache) Contains(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.addresses[address]
	return ok
}

// Size returns the number of cached addresses
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.addresses)
}

// FindStaffOrAdmin resolves a staff or admin account by address. Not
// cached: the staff set is small and lookups are rare.
func (c *Cache) FindStaffOrAdmin(address string) (*model.User, error) {
	return c.store.FindStaffOrAdminByEmail(address)
}
