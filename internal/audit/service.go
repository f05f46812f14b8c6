package audit

import (
	"go.uber.org/zap"
)

// Index is an external, searchable copy of the audit log.
type Index interface {
	IndexEntries(entries []Entry) error
	Query(topicID string, limit int) ([]Entry, error)
	Healthy() bool
}

// Service is the facade that appends to the Log, mirrors entries into an
// optional Index, and answers queries from the Index while it is healthy,
// falling back to the Log.
type Service struct {
	log    *Log
	index  Index
	logger *zap.Logger
}

// NewService creates an audit service. index may be nil.
func NewService(log *Log, index Index, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{log: log, index: index, logger: logger}
}

func (s *Service) Log() *Log {
	return s.log
}

// Append writes to the Log and indexes the stored entry (fire-and-forget).
func (s *Service) Append(entry Entry) Entry {
	stored := s.log.Append(entry)
	if s.index == nil || !s.index.Healthy() {
		return stored
	}
	go func() {
		if err := s.index.IndexEntries([]Entry{stored}); err != nil {
			s.logger.Warn("audit: index entry failed", zap.String("id", stored.ID), zap.Error(err))
		}
	}()
	return stored
}

// Query prefers the Index and falls back to the Log on error.
func (s *Service) Query(topicID string, limit int) []Entry {
	if s.index != nil && s.index.Healthy() {
		entries, err := s.index.Query(topicID, limit)
		if err == nil {
			return entries
		}
		s.logger.Warn("audit: index query failed, falling back to log", zap.Error(err))
	}
	return s.log.Query(topicID, limit)
}

// Reindex pushes the whole Log into the Index.
func (s *Service) Reindex() {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	entries := s.log.Since(0, 0)
	if len(entries) == 0 {
		return
	}
	if err := s.index.IndexEntries(entries); err != nil {
		s.logger.Warn("audit: reindex failed", zap.Int("entries", len(entries)), zap.Error(err))
	}
}
