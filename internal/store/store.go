// Package store is the single source of truth for claim state: an append-only
// per-document history of version snapshots.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/model"
)

// Store manages document histories on top of a Backend.
// It assumes one writer per document at a time; callers serialise access per document.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a store over backend
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger.Named("store"),
		now:     time.Now,
	}
}

// AppendOption annotates a version entry
type AppendOption func(*model.VersionEntry)

// WithIteration records the convergence iteration that produced the entry
func WithIteration(n int) AppendOption {
	return func(e *model.VersionEntry) { e.Iteration = n }
}

// WithTermination records why the convergence loop stopped
func WithTermination(reason model.TerminationReason) AppendOption {
	return func(e *model.VersionEntry) { e.TerminationReason = reason }
}

// History returns the full version stream of a document.
// Unreadable histories are logged and treated as empty.
func (s *Store) History(ctx context.Context, documentID string) model.History {
	h, err := s.backend.Load(ctx, documentID)
	if err != nil {
		s.logger.Warn("unreadable history treated as empty",
			zap.String("document_id", documentID), zap.Error(err))
		return model.History{DocumentID: documentID, Versions: []model.VersionEntry{}}
	}
	return h
}

// Latest returns the claim list of the most recent version, or an empty list
func (s *Store) Latest(ctx context.Context, documentID string) []model.Claim {
	return s.History(ctx, documentID).LatestClaims()
}

// AppendVersion appends a snapshot of claims with its delta against the previous version
func (s *Store) AppendVersion(ctx context.Context, documentID string, claims []model.Claim, opts ...AppendOption) (model.VersionEntry, error) {
	h := s.History(ctx, documentID)
	return s.append(ctx, h, claims, opts...)
}

func (s *Store) append(ctx context.Context, h model.History, claims []model.Claim, opts ...AppendOption) (model.VersionEntry, error) {
	snapshot := make([]model.Claim, len(claims))
	for i, c := range claims {
		snapshot[i] = c.Clone()
	}

	entry := model.VersionEntry{
		Timestamp: s.now().UTC(),
		Claims:    snapshot,
		Delta:     model.ComputeDelta(h.LatestClaims(), snapshot),
	}
	if latest := h.Latest(); latest != nil && entry.Timestamp.Before(latest.Timestamp) {
		entry.Timestamp = latest.Timestamp
	}
	for _, opt := range opts {
		opt(&entry)
	}

	if err := s.backend.Append(ctx, h.DocumentID, entry); err != nil {
		s.logger.Error("append version failed",
			zap.String("document_id", h.DocumentID), zap.Error(err))
		return model.VersionEntry{}, err
	}

	s.logger.Debug("version appended",
		zap.String("document_id", h.DocumentID),
		zap.Int("version", len(h.Versions)+1),
		zap.Int("claims", len(snapshot)))
	return entry, nil
}

// AddClaim inserts claim iff its claim_id appears nowhere in the document's history.
// A duplicate is a logged no-op and reports added=false.
func (s *Store) AddClaim(ctx context.Context, documentID string, claim model.Claim) (bool, error) {
	added, err := s.AddClaims(ctx, documentID, []model.Claim{claim})
	if err != nil {
		return false, err
	}
	return len(added) == 1, nil
}

// AddClaims inserts every claim not yet known to the document as a single new version.
// It returns the claims that were actually added.
func (s *Store) AddClaims(ctx context.Context, documentID string, claims []model.Claim, opts ...AppendOption) ([]model.Claim, error) {
	h := s.History(ctx, documentID)

	seen := make(map[string]bool, len(claims))
	var fresh []model.Claim
	for _, c := range claims {
		if c.ClaimID == "" {
			c.ClaimID = model.ClaimID(documentID, c.SubRequirement, c.EvidenceText)
		}
		if seen[c.ClaimID] || h.Contains(c.ClaimID) {
			s.logger.Info("duplicate claim ignored",
				zap.String("document_id", documentID),
				zap.String("claim_id", c.ClaimID))
			continue
		}
		seen[c.ClaimID] = true
		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		return nil, nil
	}

	merged := append(append([]model.Claim{}, h.LatestClaims()...), fresh...)
	if _, err := s.append(ctx, h, merged, opts...); err != nil {
		return nil, err
	}
	return fresh, nil
}

// AllClaims returns the latest claims of every document, tagged with their document identifier
func (s *Store) AllClaims(ctx context.Context) ([]model.DocumentClaim, error) {
	docs, err := s.backend.Documents(ctx)
	if err != nil {
		return nil, err
	}

	var all []model.DocumentClaim
	for _, doc := range docs {
		for _, c := range s.Latest(ctx, doc) {
			all = append(all, model.DocumentClaim{DocumentID: doc, Claim: c})
		}
	}
	return all, nil
}

// Documents lists every document with a history
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	return s.backend.Documents(ctx)
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
