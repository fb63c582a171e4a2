package cache

import (
	"context"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
)

// Store is the fingerprint-keyed result cache backend.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*model.AnalysisResult, bool)
	Set(ctx context.Context, fingerprint string, result *model.AnalysisResult, ttl time.Duration)
}

// Layer applies the confidence-proportional TTL policy on top of a
// backend store. Low-confidence results expire fast so they get
// re-checked; results below the floor are not cached at all.
type Layer struct {
	store         Store
	baseTTL       time.Duration
	minTTL        time.Duration
	minConfidence float64
}

func NewLayer(cfg config.CacheConfig, store Store) *Layer {
	l := &Layer{
		store:         store,
		baseTTL:       time.Duration(cfg.BaseTTLSeconds) * time.Second,
		minTTL:        time.Duration(cfg.MinTTLSeconds) * time.Second,
		minConfidence: cfg.MinConfidence,
	}
	if l.baseTTL <= 0 {
		l.baseTTL = 15 * time.Minute
	}
	if l.minTTL <= 0 {
		l.minTTL = time.Minute
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l
}

func (l *Layer) Get(ctx context.Context, fingerprint string) (*model.AnalysisResult, bool) {
	return l.store.Get(ctx, fingerprint)
}

func (l *Layer) Put(ctx context.Context, fingerprint string, result *model.AnalysisResult) {
	if result == nil || result.Confidence < l.minConfidence {
		return
	}
	ttl := time.Duration(float64(l.baseTTL) * result.Confidence)
	if ttl < l.minTTL {
		ttl = l.minTTL
	}
	if ttl > l.baseTTL {
		ttl = l.baseTTL
	}
	l.store.Set(ctx, fingerprint, result, ttl)
}

// MemoryStore 进程内缓存，读时惰性剔除过期项
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	result  model.AnalysisResult
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, fingerprint string) (*model.AnalysisResult, bool) {
	m.mu.RLock()
	entry, ok := m.entries[fingerprint]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		m.mu.Lock()
		delete(m.entries, fingerprint)
		m.mu.Unlock()
		return nil, false
	}
	result := entry.result
	return &result, true
}

func (m *MemoryStore) Set(ctx context.Context, fingerprint string, result *model.AnalysisResult, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint] = memoryEntry{result: *result, expires: time.Now().Add(ttl)}
}
