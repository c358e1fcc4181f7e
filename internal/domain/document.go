package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// PageRecord is one page of an ingested document, the unit at which enrichment
// and embedding happen. Records are written once per ingestion run and replaced
// by upsert on re-ingestion; they are never patched in place.
//
// The uniqueness key is (user_id, title, timestamp, page_number, chunk_number).
// Timestamp is the ingestion date (YYYY-MM-DD), so re-ingesting the same file on
// the same day overwrites the prior run's rows instead of duplicating them.
type PageRecord struct {
	ID              uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          string      `gorm:"type:text;not null;uniqueIndex:idx_page_records_key;index:idx_page_records_user" json:"user_id"`
	Title           string      `gorm:"type:text;not null;uniqueIndex:idx_page_records_key" json:"title"`
	Timestamp       string      `gorm:"type:text;not null;uniqueIndex:idx_page_records_key" json:"timestamp"`
	PageNumber      int         `gorm:"not null;uniqueIndex:idx_page_records_key" json:"page_number"`
	ChunkNumber     int         `gorm:"not null;uniqueIndex:idx_page_records_key" json:"chunk_number"`
	TotalPages      int         `gorm:"not null" json:"total_pages"`
	TotalChunks     int         `gorm:"not null" json:"total_chunks"`
	TextContent     string      `gorm:"type:text" json:"text_content"`
	Embedding       string      `gorm:"type:text" json:"embedding"`
	AITitle         string      `gorm:"type:text" json:"ai_title"`
	AIDescription   string      `gorm:"type:text" json:"ai_description"`
	AIMainTopics    StringArray `gorm:"type:text" json:"ai_maintopics"`
	AIKeyEntities   StringArray `gorm:"type:text" json:"ai_keyentities"`
	PrimaryLanguage string      `gorm:"type:text" json:"primary_language"`
	FilterTags      string      `gorm:"type:text;index:idx_page_records_filter" json:"filter_tags"`
}

// TableName returns the database table name for PageRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (PageRecord) TableName() string {
	return "page_records"
}

// SetEmbedding stores a vector as its JSON encoding.
func (r *PageRecord) SetEmbedding(vector []float32) error {
	b, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	r.Embedding = string(b)
	return nil
}

// EmbeddingVector decodes the stored JSON embedding back into a vector.
func (r *PageRecord) EmbeddingVector() ([]float32, error) {
	if r.Embedding == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(r.Embedding), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DocumentMetadata is derived once per document from a representative page
// sample and embedded into every PageRecord of that document. It is not
// persisted on its own.
type DocumentMetadata struct {
	DescriptiveTitle string   `json:"descriptiveTitle"`
	ShortDescription string   `json:"shortDescription"`
	MainTopics       []string `json:"mainTopics"`
	KeyEntities      []string `json:"keyEntities"`
	PrimaryLanguage  string   `json:"primaryLanguage"`
}
