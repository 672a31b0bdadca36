package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool       { return &b }
func strPtr(s string) *string    { return &s }

func TestFicheCacheStates(t *testing.T) {
	salesListOnly := FicheCache{FicheID: 101, IsSalesListOnly: true}
	assert.False(t, salesListOnly.IsFullDetails())
	assert.False(t, salesListOnly.IsNotFound())

	full := FicheCache{FicheID: 102, DetailsSuccess: boolPtr(true)}
	assert.True(t, full.IsFullDetails())
	assert.False(t, full.IsNotFound())

	notFound := FicheCache{
		FicheID:        103,
		DetailsSuccess: boolPtr(false),
		DetailsMessage: strPtr(NotFoundMarker),
	}
	assert.False(t, notFound.IsFullDetails())
	assert.True(t, notFound.IsNotFound())

	failedOther := FicheCache{
		FicheID:        104,
		DetailsSuccess: boolPtr(false),
		DetailsMessage: strPtr("CRM timeout"),
	}
	assert.False(t, failedOther.IsNotFound())
}

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs([]string{"101", " 102", "9007199254740993"})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102, 9007199254740993}, ids)

	_, err = ParseIDs([]string{"101", "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid id "abc"`)
}

func TestFormatIDs(t *testing.T) {
	assert.Equal(t, []string{"1", "9007199254740993"}, FormatIDs([]int64{1, 9007199254740993}))
}
