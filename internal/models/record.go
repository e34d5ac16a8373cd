package models

import "time"

// Record sources
const (
	SourceChain      = "chain"
	SourceIndexer    = "indexer"
	SourceSubmission = "submission"
	SourceJournal    = "journal"
)

// AttestationRecord is the journal row of an attestation seen or made by this service
type AttestationRecord struct {
	ID             int64     `json:"id" db:"id"`
	UID            string    `json:"uid" db:"uid"`
	NetworkID      uint64    `json:"networkId" db:"network_id"`
	Schema         string    `json:"schema" db:"schema_uid"`
	Attester       string    `json:"attester" db:"attester"`
	Recipient      string    `json:"recipient" db:"recipient"`
	TxHash         string    `json:"txHash,omitempty" db:"tx_hash"`
	EventTimestamp int64     `json:"eventTimestamp" db:"event_timestamp"`
	Location       string    `json:"location" db:"location"`
	Memo           string    `json:"memo" db:"memo"`
	MediaType      []string  `json:"mediaType" db:"media_type"`
	MediaData      []string  `json:"mediaData" db:"media_data"`
	AttestedAt     int64     `json:"attestedAt" db:"attested_at"`
	Revoked        bool      `json:"revoked" db:"revoked"`
	Source         string    `json:"source" db:"source"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

// Entry converts the record into the filterable entry view
func (r *AttestationRecord) Entry() Entry {
	return Entry{
		UID:            r.UID,
		Attester:       r.Attester,
		Recipient:      r.Recipient,
		EventTimestamp: time.Unix(r.EventTimestamp, 0),
		RecordedAt:     time.Unix(r.AttestedAt, 0),
		Location:       r.Location,
		Memo:           r.Memo,
		MediaType:      r.MediaType,
		MediaData:      r.MediaData,
		Revoked:        r.Revoked,
	}
}

// RecordFromEntry builds a journal record from a flattened entry
func RecordFromEntry(networkID uint64, schema string, e Entry, source string) *AttestationRecord {
	return &AttestationRecord{
		UID:            e.UID,
		NetworkID:      networkID,
		Schema:         schema,
		Attester:       e.Attester,
		Recipient:      e.Recipient,
		EventTimestamp: e.EventTimestamp.Unix(),
		Location:       e.Location,
		Memo:           e.Memo,
		MediaType:      e.MediaType,
		MediaData:      e.MediaData,
		AttestedAt:     e.RecordedAt.Unix(),
		Revoked:        e.Revoked,
		Source:         source,
	}
}

// UploadResult is what the upload endpoint returns
type UploadResult struct {
	ContentIdentifier string `json:"contentIdentifier"`
	GatewayURI        string `json:"gatewayUri"`
}

// UploadRecord is the journal row of a pinned media file
type UploadRecord struct {
	ID                string    `json:"id" db:"id"`
	ContentIdentifier string    `json:"contentIdentifier" db:"content_identifier"`
	GatewayURI        string    `json:"gatewayUri" db:"gateway_uri"`
	ContentHash       string    `json:"contentHash" db:"content_hash"`
	FileName          string    `json:"fileName" db:"file_name"`
	ContentType       string    `json:"contentType" db:"content_type"`
	Size              int64     `json:"size" db:"size"`
	Backend           string    `json:"backend" db:"backend"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

// AttestationFilter narrows journal queries
type AttestationFilter struct {
	NetworkID *uint64 `json:"networkId,omitempty"`
	Attester  *string `json:"attester,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}
