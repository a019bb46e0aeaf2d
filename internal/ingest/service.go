package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"crm-mail-ingest-go/internal/dedup"
	"crm-mail-ingest-go/internal/directory"
	"crm-mail-ingest-go/internal/metrics"
)

// Status is the snapshot returned by every control operation
type Status struct {
	Running           bool       `json:"running"`
	State             string     `json:"state"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	MaxReconnects     int        `json:"max_reconnects"`
	CachedAddresses   int        `json:"cached_addresses"`
	DedupEntries      int        `json:"dedup_entries"`
	LastError         string     `json:"last_error,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}

// Service is the only entry point the control API talks to. It owns the
// listener, the directory cache, the dedup guard, and the periodic
// directory refresh schedule.
type Service struct {
	listener *Listener
	cache    *directory.Cache
	guard    *dedup.Guard
	metrics  *metrics.Metrics

	refreshMinutes int

	mu          sync.Mutex
	cron        *cron.Cron
	cronRunning bool
}

func NewService(listener *Listener, cache *directory.Cache, guard *dedup.Guard, m *metrics.Metrics, refreshMinutes int) *Service {
	return &Service{
		listener:       listener,
		cache:          cache,
		guard:          guard,
		metrics:        m,
		refreshMinutes: refreshMinutes,
		cron:           cron.New(),
	}
}

// Start brings the worker up: directory refresh, listener, periodic
// refresh schedule. Idempotent.
func (s *Service) Start() (Status, error) {
	if _, err := s.RefreshDirectory(); err != nil {
		// The worker still starts; the cache heals on the next refresh.
		logrus.Errorf("Initial directory refresh failed: %v", err)
	}

	if err := s.listener.Start(); err != nil {
		return s.Status(), err
	}

	s.mu.Lock()
	if !s.cronRunning {
		schedule := fmt.Sprintf("@every %dm", s.refreshMinutes)
		if _, err := s.cron.AddFunc(schedule, func() {
			if _, err := s.RefreshDirectory(); err != nil {
				logrus.Errorf("Scheduled directory refresh failed: %v", err)
			}
		}); err != nil {
			s.mu.Unlock()
			return s.Status(), fmt.Errorf("failed to schedule directory refresh: %w", err)
		}
		s.cron.Start()
		s.cronRunning = true
	}
	s.mu.Unlock()

	return s.Status(), nil
}

// Stop shuts the worker down. Idempotent; always succeeds.
func (s *Service) Stop() Status {
	s.listener.Stop()

	s.mu.Lock()
	if s.cronRunning {
		<-s.cron.Stop().Done()
		s.cron = cron.New()
		s.cronRunning = false
	}
	s.mu.Unlock()

	return s.Status()
}

// Status reports the worker's current state
func (s *Service) Status() Status {
	attempts, max := s.listener.Attempts()

	st := Status{
		Running:           s.listener.Running(),
		State:             s.listener.State().String(),
		ReconnectAttempts: attempts,
		MaxReconnects:     max,
		CachedAddresses:   s.cache.Size(),
		DedupEntries:      s.guard.Len(),
	}
	if err := s.listener.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if at := s.listener.LastMessageAt(); !at.IsZero() {
		st.LastMessageAt = &at
	}
	return st
}

// TriggerSync re-runs the directory refresh; if the worker is not
// running it is started instead
func (s *Service) TriggerSync() (Status, error) {
	if !s.listener.Running() {
		logrus.Info("Sync requested while stopped; starting the worker")
		return s.Start()
	}
	if _, err := s.RefreshDirectory(); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// RefreshDirectory rebuilds the user directory cache and returns its new size
func (s *Service) RefreshDirectory() (int, error) {
	size, err := s.cache.Refresh()
	if err != nil {
		return 0, err
	}
	s.metrics.DirectorySize.Set(float64(size))
	return size, nil
}

// ClearDedup discards all remembered message ids
func (s *Service) ClearDedup() Status {
	s.guard.Clear()
	s.metrics.DedupEntries.Set(0)
	logrus.Info("Dedup cache cleared")
	return s.Status()
}
