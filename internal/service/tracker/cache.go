package tracker

import (
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/calendar"
)

type summaryEntry struct {
	day     calendar.Day
	version string
	summary adherence.Summary
}

// summaryCache holds the last computed summary per patient. An entry is only
// valid for the day and store version it was computed at.
type summaryCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

func newSummaryCache(size int) (*summaryCache, error) {
	if size < 1 {
		return &summaryCache{}, nil
	}
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return &summaryCache{lru: lru}, nil
}

func (c *summaryCache) get(patientID string, today calendar.Day, version string) (adherence.Summary, bool) {
	if c.lru == nil {
		return adherence.Summary{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(patientID)
	if !ok {
		return adherence.Summary{}, false
	}
	entry := v.(summaryEntry)
	if entry.day != today || entry.version != version {
		c.lru.Remove(patientID)
		return adherence.Summary{}, false
	}
	return entry.summary, true
}

func (c *summaryCache) put(patientID string, today calendar.Day, version string, s adherence.Summary) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.lru.Add(patientID, summaryEntry{day: today, version: version, summary: s})
}

func (c *summaryCache) invalidate(patientID string) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(patientID)
}

func (c *summaryCache) purge() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
