package database

import (
	"database/sql"

	"github.com/jo-hoe/streetscan/internal/classifier"
)

type DatabaseService interface {
	CreateDatabase() (*sql.DB, error)
	DoesDatabaseExist() bool
	Close() error

	// UpsertRecord replaces the whole row for the record id in one statement.
	// Fields missing on the new record are cleared, never merged.
	UpsertRecord(record *Record) error
	// GetRecords scans the catalog in insertion order. Without fields every
	// column is loaded; otherwise only the named columns are populated.
	GetRecords(fields ...string) ([]*Record, error)
	GetUnclassified() ([]*UnclassifiedImage, error)
	GetClassifications() ([]*StoredClassification, error)
	SetClassification(id string, annotated []byte, classification *classifier.Classification) error
	GetOriginalImageByID(id string) ([]byte, error)
	GetClassifiedImageByID(id string) ([]byte, error)
	// ClearAll deletes every record. It is the only deletion path.
	ClearAll() error
}
