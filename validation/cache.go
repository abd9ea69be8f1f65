package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/signing"
)

// EvictionStrategy selects how the cache sheds entries at capacity.
type EvictionStrategy string

// Supported eviction strategies.
const (
	EvictLRU EvictionStrategy = "lru"
	EvictLFU EvictionStrategy = "lfu"
)

// Cache defaults.
const (
	DefaultMaxEntries      = 10000
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// CacheConfig tunes the signed cache.
type CacheConfig struct {
	MaxEntries      int              `json:"max_entries" yaml:"max_entries"`
	DefaultTTL      time.Duration    `json:"default_ttl" yaml:"default_ttl"`
	Eviction        EvictionStrategy `json:"eviction" yaml:"eviction"`
	CleanupInterval time.Duration    `json:"cleanup_interval" yaml:"cleanup_interval"`
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.Eviction == "" {
		c.Eviction = EvictLRU
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// CacheStats reports cache performance counters.
type CacheStats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Rejected  int64   `json:"rejected"`
	HitRate   float64 `json:"hit_rate"`
	Epoch     uint64  `json:"epoch"`
}

// signedEnvelope is the byte layout the signature covers. Canonical
// encoding keeps it byte-stable across processes.
type signedEnvelope struct {
	Key      string `json:"key"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	IssuedAt int64  `json:"issued_at"`
	TTLMs    int64  `json:"ttl_ms"`
	Epoch    uint64 `json:"epoch"`
}

type cacheEntry struct {
	key       string
	status    Status
	message   string
	issuedAt  time.Time
	expiresAt time.Time
	epoch     uint64
	signature []byte
	useCount  int64

	prev *cacheEntry
	next *cacheEntry
}

// SignedCache is a content-addressed store of signed layer results.
// Keys are H(epoch ∥ layerID ∥ policyVersion ∥ canonical(data)); the
// epoch increments on every policy version change, so a rollback to an
// earlier version never revives entries cached under it. Expired or
// signature-invalid entries are invisible and purged on read.
type SignedCache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	signer  signing.Signer
	entries map[string]*cacheEntry
	head    *cacheEntry
	tail    *cacheEntry
	stats   CacheStats

	policyVersion string
	epoch         uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSignedCache builds a cache signing entries with signer. A cleanup
// goroutine sweeps expired entries on cfg.CleanupInterval; call Stop to
// end it.
func NewSignedCache(cfg CacheConfig, signer signing.Signer) *SignedCache {
	c := &SignedCache{
		cfg:     cfg.withDefaults(),
		signer:  signer,
		entries: make(map[string]*cacheEntry),
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// SetPolicyVersion records the active policy version. Any change, in
// either direction, advances the epoch and strands previously cached
// entries.
func (c *SignedCache) SetPolicyVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.policyVersion {
		return
	}
	c.policyVersion = version
	c.epoch++
	c.stats.Epoch = c.epoch
}

// Key derives the content address for a layer result under the current
// epoch. Identical inputs collide.
func (c *SignedCache) Key(layerID, policyVersion string, data any) (string, error) {
	body, err := canonical.Marshal(data)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	h := sha256.New()
	h.Write([]byte(canonical.FixedUint(epoch)))
	h.Write([]byte{0})
	h.Write([]byte(layerID))
	h.Write([]byte{0})
	h.Write([]byte(policyVersion))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get looks up a cached result. A hit requires the entry to exist under
// the current epoch, to be unexpired, and to carry a valid signature.
func (c *SignedCache) Get(layerID string, data any, policyVersion string) (*LayerResult, bool) {
	key, err := c.Key(layerID, policyVersion, data)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.remove(entry)
		c.stats.Expired++
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	if err := c.verify(entry); err != nil {
		c.remove(entry)
		c.stats.Rejected++
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	entry.useCount++
	if c.cfg.Eviction == EvictLRU {
		c.moveToFront(entry)
	}
	c.stats.Hits++
	c.updateHitRate()

	return &LayerResult{
		LayerID: layerID,
		Status:  entry.status,
		Message: entry.message,
		Cached:  true,
	}, true
}

// Set stores a signed result. ttlOverride of zero uses the default TTL.
func (c *SignedCache) Set(layerID string, data any, policyVersion string, result *LayerResult, ttlOverride time.Duration) error {
	key, err := c.Key(layerID, policyVersion, data)
	if err != nil {
		return err
	}
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := &cacheEntry{
		key:       key,
		status:    result.Status,
		message:   result.Message,
		issuedAt:  now,
		expiresAt: now.Add(ttl),
		epoch:     c.epoch,
	}
	sig, err := c.sign(entry, ttl)
	if err != nil {
		return err
	}
	entry.signature = sig

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}
	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictExpiredLocked()
		for len(c.entries) >= c.cfg.MaxEntries {
			c.evictOne()
		}
	}

	c.entries[key] = entry
	c.addToFront(entry)
	c.stats.Size = len(c.entries)
	return nil
}

// Invalidate drops a single key.
func (c *SignedCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.remove(entry)
	}
}

// Clear drops every entry.
func (c *SignedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.head, c.tail = nil, nil
	c.stats.Size = 0
}

// Stats returns a snapshot of the counters.
func (c *SignedCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}

// Stop ends the cleanup goroutine.
func (c *SignedCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *SignedCache) sign(e *cacheEntry, ttl time.Duration) ([]byte, error) {
	body, err := canonical.Marshal(signedEnvelope{
		Key:      e.key,
		Status:   e.status,
		Message:  e.message,
		IssuedAt: e.issuedAt.UnixNano(),
		TTLMs:    ttl.Milliseconds(),
		Epoch:    e.epoch,
	})
	if err != nil {
		return nil, err
	}
	return c.signer.Sign(body)
}

func (c *SignedCache) verify(e *cacheEntry) error {
	body, err := canonical.Marshal(signedEnvelope{
		Key:      e.key,
		Status:   e.status,
		Message:  e.message,
		IssuedAt: e.issuedAt.UnixNano(),
		TTLMs:    e.expiresAt.Sub(e.issuedAt).Milliseconds(),
		Epoch:    e.epoch,
	})
	if err != nil {
		return err
	}
	return c.signer.Verify(body, e.signature)
}

func (c *SignedCache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.stats.Size = len(c.entries)
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *SignedCache) evictExpiredLocked() {
	now := time.Now()
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) || entry.epoch != c.epoch {
			c.remove(entry)
			c.stats.Expired++
		}
	}
}

// evictOne removes one live entry per the configured strategy.
func (c *SignedCache) evictOne() {
	switch c.cfg.Eviction {
	case EvictLFU:
		var victim *cacheEntry
		for _, entry := range c.entries {
			if victim == nil || entry.useCount < victim.useCount {
				victim = entry
			}
		}
		if victim != nil {
			c.remove(victim)
			c.stats.Evictions++
		}
	default:
		if c.tail != nil {
			c.remove(c.tail)
			c.stats.Evictions++
		}
	}
}

func (c *SignedCache) remove(e *cacheEntry) {
	c.unlink(e)
	delete(c.entries, e.key)
}

func (c *SignedCache) moveToFront(e *cacheEntry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *SignedCache) addToFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *SignedCache) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *SignedCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
