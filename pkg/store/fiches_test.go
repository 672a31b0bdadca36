package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestFicheStore_SalesListThenFullDetails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(24 * time.Hour)

	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 42, Cle: strPtr("K42"), Groupe: strPtr("nord"), SalesDate: "03-01-2026", RawData: json.RawMessage(`{"id":42}`)},
	}, expiry))

	fiche, err := st.Fiches.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, fiche.IsSalesListOnly)
	assert.Nil(t, fiche.DetailsSuccess)

	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{
		FicheID:         42,
		Groupe:          strPtr("nord"),
		RecordingsCount: 2,
		RawData:         json.RawMessage(`{"id":42,"recordings":2}`),
		SalesDate:       strPtr("03-01-2026"),
		Recordings: []RecordingRow{
			{ExternalID: "rec-1", URL: "https://media.example.com/rec-1"},
			{ExternalID: "rec-2", URL: "https://media.example.com/rec-2"},
		},
	}, expiry))

	fiche, err = st.Fiches.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, fiche.IsSalesListOnly)
	require.NotNil(t, fiche.DetailsSuccess)
	assert.True(t, *fiche.DetailsSuccess)
	assert.True(t, fiche.HasRecordings)
	require.NotNil(t, fiche.RecordingsCount)
	assert.Equal(t, 2, *fiche.RecordingsCount)

	recordings, err := st.Recordings.ListForFiche(ctx, 42)
	require.NoError(t, err)
	require.Len(t, recordings, 2)
	assert.Equal(t, "rec-1", recordings[0].ExternalID)

	// A later sales-list write must not regress the full-details row.
	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 42, SalesDate: "03-01-2026"},
	}, expiry))
	fiche, err = st.Fiches.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, fiche.IsSalesListOnly)
	assert.True(t, fiche.HasRecordings)
}

func TestFicheStore_DetailsStates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{FicheID: 1}, expiry))
	require.NoError(t, st.Fiches.MarkNotFound(ctx, 2))
	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{{FicheID: 3, SalesDate: "03-01-2026"}}, expiry))

	states, err := st.Fiches.DetailsStates(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	assert.True(t, states[1].FullDetails)
	assert.True(t, states[1].Ready())

	assert.True(t, states[2].NotFound)
	assert.True(t, states[2].Ready())

	// Sales-list-only is still pending at the gate.
	assert.False(t, states[3].Ready())

	// No cache row at all: absent, counts as pending.
	_, seen := states[4]
	assert.False(t, seen)
}

func TestFicheStore_ListCachedFicheIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 10, Groupe: strPtr("nord"), SalesDate: "03-01-2026"},
		{FicheID: 11, Groupe: strPtr("sud"), SalesDate: "03-01-2026"},
		{FicheID: 12, Groupe: strPtr("nord"), SalesDate: "04-01-2026"},
	}, expiry))
	// 13 has full details with no recordings: filtered by OnlyWithRecordings.
	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{
		FicheID: 13, Groupe: strPtr("nord"), SalesDate: strPtr("03-01-2026"),
	}, expiry))

	ids, err := st.Fiches.ListCachedFicheIDs(ctx, CachedSelection{Dates: []string{"03-01-2026"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 13}, ids)

	ids, err = st.Fiches.ListCachedFicheIDs(ctx, CachedSelection{
		Dates:   []string{"03-01-2026", "04-01-2026"},
		Groupes: []string{"nord"},
	})
	require.NoError(t, err)
	// Sales-list-only rows pass the groupe filter; their groupe is unverified.
	assert.Equal(t, []int64{10, 11, 12, 13}, ids)

	ids, err = st.Fiches.ListCachedFicheIDs(ctx, CachedSelection{
		Dates:              []string{"03-01-2026"},
		OnlyWithRecordings: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids)

	ids, err = st.Fiches.ListCachedFicheIDs(ctx, CachedSelection{Dates: []string{"03-01-2026"}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids)

	ids, err = st.Fiches.ListCachedFicheIDs(ctx, CachedSelection{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFicheStore_DeleteExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 1, SalesDate: "01-01-2026"},
	}, time.Now().Add(-time.Minute)))
	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 2, SalesDate: "01-01-2026"},
	}, time.Now().Add(time.Hour)))

	deleted, err := st.Fiches.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = st.Fiches.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Fiches.Get(ctx, 2)
	assert.NoError(t, err)
}

func TestRecordingStore_TranscriptionFlow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Fiches.UpsertFullDetails(ctx, FullDetailsRow{
		FicheID:         7,
		RecordingsCount: 2,
		Recordings: []RecordingRow{
			{ExternalID: "a", URL: "https://media.example.com/a"},
			{ExternalID: "b", URL: "https://media.example.com/b"},
		},
	}, time.Now().Add(time.Hour)))

	pending, err := st.Recordings.PendingExternalIDs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, pending)

	require.NoError(t, st.Recordings.MarkTranscribed(ctx, 7, "a", "tr-1"))

	counts, err := st.Recordings.TranscriptionCounts(ctx, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[7].Total)
	assert.Equal(t, 1, counts[7].Transcribed)
	assert.False(t, counts[7].Complete())

	require.NoError(t, st.Recordings.MarkTranscribed(ctx, 7, "b", "tr-2"))
	counts, err = st.Recordings.TranscriptionCounts(ctx, []int64{7})
	require.NoError(t, err)
	assert.True(t, counts[7].Complete())

	pending, err = st.Recordings.PendingExternalIDs(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, st.Recordings.MarkTranscribed(ctx, 7, "missing", "tr-3"), ErrNotFound)

	// Fiches with no recordings are absent from the counts.
	counts, err = st.Recordings.TranscriptionCounts(ctx, []int64{999})
	require.NoError(t, err)
	_, seen := counts[999]
	assert.False(t, seen)
}

func TestFicheStore_GetMany(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Fiches.UpsertSalesList(ctx, []SalesListRow{
		{FicheID: 1, SalesDate: "01-01-2026"},
		{FicheID: 2, SalesDate: "01-01-2026"},
	}, time.Now().Add(time.Hour)))

	fiches, err := st.Fiches.GetMany(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, fiches, 2)
	assert.NotNil(t, fiches[1])
	assert.Nil(t, fiches[3])

	empty, err := st.Fiches.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
