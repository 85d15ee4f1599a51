package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/concord/internal/model"
)

func newClaim(doc, sub, text string, score float64) model.Claim {
	var q *model.EvidenceQuality
	if score > 0 {
		q = &model.EvidenceQuality{CompositeScore: score}
	}
	return model.NewClaim(doc, model.ClaimInput{
		Pillar:         "P1",
		SubRequirement: sub,
		EvidenceText:   text,
		Quality:        q,
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(t.TempDir()),
		"sqlite": sqlite,
	}
}

func TestStore_AddClaimIdempotent(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend, nil)
			c := newClaim("doc-1", "SR-1", "Latency drops by half.", 4)

			for i := 0; i < 5; i++ {
				added, err := s.AddClaim(ctx, "doc-1", c)
				require.NoError(t, err)
				assert.Equal(t, i == 0, added)
			}

			// Re-proposing the same evidence through a fresh constructor is also a no-op
			again := newClaim("doc-1", "SR-1", "  Latency drops by half. ", 2)
			added, err := s.AddClaim(ctx, "doc-1", again)
			require.NoError(t, err)
			assert.False(t, added)

			latest := s.Latest(ctx, "doc-1")
			require.Len(t, latest, 1)
			assert.Equal(t, c.ClaimID, latest[0].ClaimID)
			assert.Len(t, s.History(ctx, "doc-1").Versions, 1)
		})
	}
}

func TestStore_DuplicateAnywhereInHistory(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)

	c := newClaim("doc", "SR-1", "evidence", 3)
	_, err := s.AddClaim(ctx, "doc", c)
	require.NoError(t, err)

	// Drop the claim from the latest snapshot; it must still count as known
	_, err = s.AppendVersion(ctx, "doc", nil)
	require.NoError(t, err)
	require.Empty(t, s.Latest(ctx, "doc"))

	added, err := s.AddClaim(ctx, "doc", c)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestStore_AddClaimsBatchesIntoOneVersion(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)

	a := newClaim("doc", "SR-1", "a", 3)
	b := newClaim("doc", "SR-1", "b", 3)
	added, err := s.AddClaims(ctx, "doc", []model.Claim{a, b, a})
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Len(t, s.History(ctx, "doc").Versions, 1)

	added, err = s.AddClaims(ctx, "doc", []model.Claim{a, b})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Len(t, s.History(ctx, "doc").Versions, 1)
}

func TestStore_AppendVersionDeltaAndImmutability(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)

	c := newClaim("doc", "SR-1", "evidence", 3)
	_, err := s.AddClaim(ctx, "doc", c)
	require.NoError(t, err)

	updated := c.Clone()
	updated.Quality.CompositeScore = 4.5
	updated.AppealCount = 1
	entry, err := s.AppendVersion(ctx, "doc", []model.Claim{updated}, WithIteration(2))
	require.NoError(t, err)

	assert.Equal(t, 2, entry.Iteration)
	assert.InDelta(t, 1.5, entry.Delta[c.ClaimID]["composite_score"], 1e-9)
	assert.InDelta(t, 1.0, entry.Delta[c.ClaimID]["appeal_count"], 1e-9)

	// Mutating the returned snapshot must not reach the stored history
	entry.Claims[0].Status = model.StatusApproved
	h := s.History(ctx, "doc")
	require.Len(t, h.Versions, 2)
	assert.Equal(t, model.StatusPendingReview, h.Versions[1].Claims[0].Status)
	assert.InDelta(t, 3.0, h.Versions[0].Claims[0].Quality.CompositeScore, 1e-9)
}

func TestStore_RoundTripPreservesClaimsAndOrder(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend, nil)

			var written []model.VersionEntry
			claims := []model.Claim{
				newClaim("doc", "SR-2", "zeta", 4.1),
				newClaim("doc", "SR-1", "alpha", 0),
				newClaim("doc", "SR-1", "mid", 2.5),
			}
			claims[0].Provenance = model.Provenance{PageNumbers: []int{3, 4}, Section: "Results", CharStart: 10, CharEnd: 42}

			for i := range claims {
				e, err := s.AppendVersion(ctx, "doc", claims[:i+1], WithIteration(i+1))
				require.NoError(t, err)
				written = append(written, e)
			}
			final, err := s.AppendVersion(ctx, "doc", claims, WithTermination(model.TerminationConsensus))
			require.NoError(t, err)
			written = append(written, final)

			h := s.History(ctx, "doc")
			if diff := cmp.Diff(written, h.Versions, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("history mismatch (-written +loaded):\n%s", diff)
			}
			require.NotNil(t, h.Latest())
			assert.Equal(t, model.TerminationConsensus, h.Latest().TerminationReason)
		})
	}
}

func TestStore_AllClaims(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)

	_, err := s.AddClaim(ctx, "b.pdf", newClaim("b.pdf", "SR-1", "b1", 3))
	require.NoError(t, err)
	_, err = s.AddClaims(ctx, "a.pdf", []model.Claim{
		newClaim("a.pdf", "SR-1", "a1", 3),
		newClaim("a.pdf", "SR-2", "a2", 3),
	})
	require.NoError(t, err)

	all, err := s.AllClaims(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.pdf", all[0].DocumentID)
	assert.Equal(t, "a.pdf", all[1].DocumentID)
	assert.Equal(t, "b.pdf", all[2].DocumentID)
	assert.Equal(t, "b1", all[2].EvidenceText)
}

func TestStore_LatestUnknownDocument(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	assert.Empty(t, s.Latest(context.Background(), "missing"))
}

func TestFileBackend_CorruptHistoryTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend := NewFileBackend(dir)
	s := New(backend, nil)

	require.NoError(t, os.WriteFile(backend.path("doc"), []byte("{not json"), 0644))

	_, err := backend.Load(ctx, "doc")
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.Empty(t, s.Latest(ctx, "doc"))

	added, err := s.AddClaim(ctx, "doc", newClaim("doc", "SR-1", "fresh", 3))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, s.Latest(ctx, "doc"), 1)

	// The unreadable file is kept aside rather than overwritten
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var quarantined int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			quarantined++
		}
	}
	assert.Equal(t, 1, quarantined)
}

func TestSQLiteBackend_CorruptRowQuarantined(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	s := New(backend, nil)

	lost := newClaim("doc", "SR-1", "first finding", 4)
	_, err = s.AddClaim(ctx, "doc", lost)
	require.NoError(t, err)
	kept := newClaim("doc", "SR-1", "second finding", 4)
	_, err = s.AddClaim(ctx, "doc", kept)
	require.NoError(t, err)

	_, err = backend.db.ExecContext(ctx, "UPDATE versions SET payload = '{bad' WHERE document_id = 'doc' AND seq = 1")
	require.NoError(t, err)

	// later versions stay readable
	h, err := backend.Load(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, h.Versions, 1)
	assert.True(t, h.Contains(kept.ClaimID))

	for i := 0; i < 3; i++ {
		added, err := s.AddClaim(ctx, "doc", kept)
		require.NoError(t, err)
		assert.False(t, added)
	}

	var rows, quarantined int
	require.NoError(t, backend.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions").Scan(&rows))
	require.NoError(t, backend.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions_corrupt").Scan(&quarantined))
	assert.Equal(t, 1, rows)
	assert.Equal(t, 1, quarantined)
	assert.Len(t, s.Latest(ctx, "doc"), 2)
}

func TestFileBackend_WriteFailureIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	blocker := filepath.Join(parent, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	s := New(NewFileBackend(filepath.Join(blocker, "history")), nil)
	_, err := s.AddClaim(ctx, "doc", newClaim("doc", "SR-1", "evidence", 3))
	assert.ErrorIs(t, err, model.ErrPersistence)
}

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(NewFileBackend(dir), nil)

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.AddClaim(ctx, "doc/with:odd chars", newClaim("doc/with:odd chars", "SR-1", text, 3))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc/with:odd chars"}, docs)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(model.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}
