package models

import (
	"encoding/json"
	"time"
)

// NotFoundMarker is the verbatim details_message persisted when the CRM
// reports a fiche as gone. Gates treat marked rows as terminal.
const NotFoundMarker = "NOT_FOUND"

// Ignore reasons attributed to fiches that are skipped rather than failed.
const (
	ReasonNotFound          = "Fiche not found (404)"
	ReasonGroupeNotSelected = "Groupe not selected"
	ReasonTooManyRecordings = "Too many recordings"
	ReasonNoRecordings      = "No recordings"
)

// FicheCache is the locally cached projection of one fiche. A row is
// either sales-list-only (summary fields from the list endpoint) or
// full-details (authoritative groupe and recordings). Upserts are
// monotone: full-details never regresses to sales-list-only.
type FicheCache struct {
	FicheID         int64           `db:"fiche_id" json:"ficheId"`
	Cle             *string         `db:"cle" json:"cle,omitempty"`
	Groupe          *string         `db:"groupe" json:"groupe,omitempty"`
	DetailsSuccess  *bool           `db:"details_success" json:"detailsSuccess,omitempty"`
	DetailsMessage  *string         `db:"details_message" json:"detailsMessage,omitempty"`
	RecordingsCount *int            `db:"recordings_count" json:"recordingsCount,omitempty"`
	HasRecordings   bool            `db:"has_recordings" json:"hasRecordings"`
	RawData         json.RawMessage `db:"raw_data" json:"rawData,omitempty"`
	IsSalesListOnly bool            `db:"is_sales_list_only" json:"isSalesListOnly"`
	SalesDate       *string         `db:"sales_date" json:"salesDate,omitempty"`
	ExpiresAt       *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// IsFullDetails reports whether the row was populated from the details
// endpoint and succeeded.
func (f *FicheCache) IsFullDetails() bool {
	return !f.IsSalesListOnly && f.DetailsSuccess != nil && *f.DetailsSuccess
}

// IsNotFound reports whether the CRM terminally rejected this fiche.
func (f *FicheCache) IsNotFound() bool {
	return f.DetailsSuccess != nil && !*f.DetailsSuccess &&
		f.DetailsMessage != nil && *f.DetailsMessage == NotFoundMarker
}

// Recording is one audio file attached to a fiche, uniquely identified
// by its external id within the fiche.
type Recording struct {
	ID               int64     `db:"id" json:"id"`
	FicheID          int64     `db:"fiche_id" json:"ficheId"`
	ExternalID       string    `db:"external_id" json:"externalId"`
	URL              string    `db:"url" json:"url"`
	HasTranscription bool      `db:"has_transcription" json:"hasTranscription"`
	TranscriptionID  *string   `db:"transcription_id" json:"transcriptionId,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}
