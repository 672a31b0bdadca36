package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/models"
)

func createTestAuditConfig(t *testing.T, st *Store, name string, automatic bool) int64 {
	t.Helper()
	var id int64
	err := st.DB().GetContext(context.Background(), &id, `
		INSERT INTO audit_configs (name, is_automatic)
		VALUES ($1, $2)
		RETURNING id`, name, automatic)
	require.NoError(t, err)
	return id
}

func seedAuditFixture(t *testing.T, st *Store) (runID, ficheID, configID int64) {
	t.Helper()
	ctx := context.Background()
	schedule := createTestSchedule(t, st, "s", true)
	run := createTestRun(t, st, schedule.ID)
	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{FicheID: 42}, time.Now().Add(time.Hour)))
	return run.ID, 42, createTestAuditConfig(t, st, "compliance", true)
}

func TestAuditStore_ClaimLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID, ficheID, configID := seedAuditFixture(t, st)

	require.NoError(t, st.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID}))
	// Replays are no-ops.
	require.NoError(t, st.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID}))

	audit, claimed, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.AuditStatusRunning, audit.Status)

	// A crashed worker's replay can reclaim a running audit.
	_, claimed, err = st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, st.Audits.Complete(ctx, audit.ID, json.RawMessage(`{"score":87}`)))

	// Terminal audits are returned unclaimed so replays skip the engine.
	got, claimed, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, models.AuditStatusCompleted, got.Status)
	assert.True(t, got.IsLatest)
	assert.JSONEq(t, `{"score":87}`, string(got.Result))

	// No row for an unknown key.
	_, _, err = st.Audits.Claim(ctx, runID, ficheID, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditStore_CompleteFlipsLatest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID, ficheID, configID := seedAuditFixture(t, st)

	// An older completed audit for the same key, outside any run.
	var oldID int64
	err := st.DB().GetContext(ctx, &oldID, `
		INSERT INTO audits (fiche_id, audit_config_id, status, is_latest, result)
		VALUES ($1, $2, 'completed', TRUE, '{"score":50}'::jsonb)
		RETURNING id`, ficheID, configID)
	require.NoError(t, err)

	require.NoError(t, st.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID}))
	audit, _, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	require.NoError(t, st.Audits.Complete(ctx, audit.ID, json.RawMessage(`{"score":90}`)))

	var latest []int64
	require.NoError(t, st.DB().SelectContext(ctx, &latest, `
		SELECT id FROM audits
		WHERE fiche_id = $1 AND audit_config_id = $2 AND is_latest`, ficheID, configID))
	require.Len(t, latest, 1)
	assert.Equal(t, audit.ID, latest[0])
	assert.NotEqual(t, oldID, latest[0])
}

func TestAuditStore_FailAndCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID, ficheID, configID := seedAuditFixture(t, st)
	secondConfig := createTestAuditConfig(t, st, "quality", false)

	require.NoError(t, st.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID, secondConfig}))

	first, _, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	require.NoError(t, st.Audits.Complete(ctx, first.ID, json.RawMessage(`{}`)))

	second, _, err := st.Audits.Claim(ctx, runID, ficheID, secondConfig)
	require.NoError(t, err)
	require.NoError(t, st.Audits.Fail(ctx, second.ID, "engine unavailable"))

	counts, err := st.Audits.StatusCounts(ctx, runID, []int64{ficheID})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ficheID].Completed)
	assert.Equal(t, 1, counts[ficheID].Failed)
	assert.Equal(t, 2, counts[ficheID].Terminal())

	completed, err := st.Audits.CompletedCountForRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	// Fail never downgrades a completed audit.
	require.NoError(t, st.Audits.Fail(ctx, first.ID, "late failure"))
	got, _, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusCompleted, got.Status)
}

func TestAuditStore_FichesWithCompletedAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID, ficheID, configID := seedAuditFixture(t, st)
	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{FicheID: 43}, time.Now().Add(time.Hour)))

	require.NoError(t, st.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID}))
	audit, _, err := st.Audits.Claim(ctx, runID, ficheID, configID)
	require.NoError(t, err)
	require.NoError(t, st.Audits.Complete(ctx, audit.ID, json.RawMessage(`{}`)))

	audited, err := st.Audits.FichesWithCompletedAudit(ctx, []int64{ficheID, 43})
	require.NoError(t, err)
	assert.True(t, audited[ficheID])
	assert.False(t, audited[43])
}

func TestAuditConfigStore_Listing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	auto := createTestAuditConfig(t, st, "auto", true)
	manual := createTestAuditConfig(t, st, "manual", false)

	ids, err := st.AuditConfigs.ListAutomaticIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{auto}, ids)

	configs, err := st.AuditConfigs.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, configs, 2)

	cfg, err := st.AuditConfigs.Get(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, "manual", cfg.Name)

	_, err = st.AuditConfigs.Get(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}
