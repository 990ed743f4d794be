// Package memstore is an in-process anomaly store used by the CLI demo, local
// review sessions and tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// entry is what the store keeps per image
type entry struct {
	anomalies []types.AnomalyRecord
	logs      []types.FeedbackLog
}

// Store keeps anomaly sets in memory keyed by image ID
type Store struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// New creates a store whose entries expire after ttl. A ttl of zero keeps
// entries for the life of the process and starts no cleanup goroutine.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		return &Store{cache: cache.New(cache.NoExpiration, 0)}
	}
	return &Store{cache: cache.New(ttl, ttl*2)}
}

// Seed stores an anomaly set as if it had been produced upstream
func (s *Store) Seed(ref types.ImageRef, set types.AnomalySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.SetDefault(ref.ImageID(), entry{
		anomalies: append([]types.AnomalyRecord(nil), set.Anomalies...),
		logs:      append([]types.FeedbackLog(nil), set.Logs...),
	})
}

// FetchAnomalies returns the stored set. An unknown image has an empty set.
func (s *Store) FetchAnomalies(ctx context.Context, ref types.ImageRef) (*types.AnomalySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.get(ref)
	return &types.AnomalySet{
		Anomalies: append([]types.AnomalyRecord(nil), e.anomalies...),
		Logs:      append([]types.FeedbackLog(nil), e.logs...),
	}, nil
}

// FetchLogs returns the stored feedback logs
func (s *Store) FetchLogs(ctx context.Context, ref types.ImageRef) ([]types.FeedbackLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]types.FeedbackLog(nil), s.get(ref).logs...), nil
}

// UpdateAnomalies replaces the anomaly list. Logs replace the stored array when
// given and are left untouched otherwise.
func (s *Store) UpdateAnomalies(ctx context.Context, ref types.ImageRef, anomalies []types.PersistedAnomaly, logs []types.FeedbackLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getLocked(ref)
	e.anomalies = make([]types.AnomalyRecord, 0, len(anomalies))
	for _, a := range anomalies {
		e.anomalies = append(e.anomalies, a.Record())
	}
	if len(logs) > 0 {
		e.logs = append([]types.FeedbackLog(nil), logs...)
	}
	s.cache.SetDefault(ref.ImageID(), e)
	return nil
}

// Len returns the number of images held
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

func (s *Store) get(ref types.ImageRef) entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ref)
}

func (s *Store) getLocked(ref types.ImageRef) entry {
	if v, ok := s.cache.Get(ref.ImageID()); ok {
		return v.(entry)
	}
	return entry{}
}
