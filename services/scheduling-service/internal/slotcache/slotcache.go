// Package slotcache memoizes resolved day grids. Entries are invalidated on
// any write that can change a provider's availability; a short TTL bounds
// staleness from sources the service does not write itself.
package slotcache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drmauij/viali/services/scheduling-service/internal/engine"
)

const DefaultSize = 4096

type entry struct {
	intervals []engine.Interval
	storedAt  time.Time
}

type Cache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration
	now func() time.Time
}

func New(size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c, ttl: ttl, now: time.Now}, nil
}

func key(hospitalID, providerID string, date time.Time) string {
	return hospitalID + "|" + providerID + "|" + date.Format("2006-01-02")
}

func (c *Cache) Get(hospitalID, providerID string, date time.Time) ([]engine.Interval, bool) {
	e, ok := c.lru.Get(key(hospitalID, providerID, date))
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		c.lru.Remove(key(hospitalID, providerID, date))
		return nil, false
	}
	return e.intervals, true
}

func (c *Cache) Put(hospitalID, providerID string, date time.Time, intervals []engine.Interval) {
	c.lru.Add(key(hospitalID, providerID, date), entry{intervals: intervals, storedAt: c.now()})
}

// InvalidateDay drops one cached day, for writes whose blast radius is a
// single date (bookings, windows).
func (c *Cache) InvalidateDay(hospitalID, providerID string, date time.Time) {
	c.lru.Remove(key(hospitalID, providerID, date))
}

// InvalidateProvider drops every cached day for a provider, for writes that
// can affect arbitrary dates (weekly schedule, recurring time-off, absence
// sync).
func (c *Cache) InvalidateProvider(hospitalID, providerID string) {
	prefix := hospitalID + "|" + providerID + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

func (c *Cache) InvalidateHospital(hospitalID string) {
	prefix := hospitalID + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}
