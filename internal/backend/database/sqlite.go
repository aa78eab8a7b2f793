package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/streetscan/internal/classifier"

	_ "modernc.org/sqlite"
)

// RecordColumns lists the catalog columns in table order.
var RecordColumns = []string{
	"id", "latitude", "longitude", "captured_at", "sequence_id",
	"metadata", "thumbnail", "annotated_image", "classification",
}

// SummaryColumns omits the raster columns for scans that only need metadata.
var SummaryColumns = []string{
	"id", "latitude", "longitude", "captured_at", "sequence_id", "metadata", "classification",
}

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	inMemory := isInMemory(connectionString)
	if !inMemory {
		if dir := filepath.Dir(stripQuery(connectionString)); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	dsn := connectionString
	if !inMemory {
		dsn = withBusyTimeout(connectionString)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() (*sql.DB, error) {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		captured_at TEXT,
		sequence_id TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		thumbnail BLOB,
		annotated_image BLOB,
		classification TEXT
	)`)
	if err != nil {
		return nil, err
	}

	if !isInMemory(s.connectionString) {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("could not enable WAL mode", "error", err)
		}
	}

	return s.db, nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// In SQLite, the database file is created when you connect to it.
	// So we can assume it exists if we can successfully ping the database.
	err := s.db.Ping()
	return err == nil
}

func (s *SQLiteDatabase) UpsertRecord(record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(`INSERT INTO images
		(id, latitude, longitude, captured_at, sequence_id, metadata, thumbnail, annotated_image, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			captured_at = excluded.captured_at,
			sequence_id = excluded.sequence_id,
			metadata = excluded.metadata,
			thumbnail = excluded.thumbnail,
			annotated_image = excluded.annotated_image,
			classification = excluded.classification`,
		record.ID,
		record.Latitude,
		record.Longitude,
		nullableText(record.CapturedAtText()),
		record.SequenceID,
		nullableJSON(record.Metadata),
		nullableBlob(record.Thumbnail),
		nullableBlob(record.AnnotatedImage),
		nullableJSON(record.Classification),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) GetRecords(fields ...string) ([]*Record, error) {
	columns := fields
	if len(columns) == 0 {
		columns = RecordColumns
	}
	for _, column := range columns {
		if !isRecordColumn(column) {
			return nil, fmt.Errorf("unknown record field: %s", column)
		}
	}

	rows, err := s.db.Query("SELECT " + strings.Join(columns, ", ") + " FROM images ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var records []*Record
	for rows.Next() {
		var (
			rec            Record
			capturedAt     sql.NullString
			metadata       sql.NullString
			classification sql.NullString
		)
		targets := make([]any, len(columns))
		for i, column := range columns {
			switch column {
			case "id":
				targets[i] = &rec.ID
			case "latitude":
				targets[i] = &rec.Latitude
			case "longitude":
				targets[i] = &rec.Longitude
			case "captured_at":
				targets[i] = &capturedAt
			case "sequence_id":
				targets[i] = &rec.SequenceID
			case "metadata":
				targets[i] = &metadata
			case "thumbnail":
				targets[i] = &rec.Thumbnail
			case "annotated_image":
				targets[i] = &rec.AnnotatedImage
			case "classification":
				targets[i] = &classification
			}
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		if capturedAt.Valid && capturedAt.String != "" {
			t, err := time.ParseInLocation(CapturedAtLayout, capturedAt.String, time.UTC)
			if err != nil {
				slog.Warn("ignoring unparsable capture time", "image_id", rec.ID, "value", capturedAt.String)
			} else {
				rec.CapturedAt = &t
			}
		}
		if metadata.Valid {
			rec.Metadata = []byte(metadata.String)
		}
		if classification.Valid {
			rec.Classification = []byte(classification.String)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteDatabase) GetUnclassified() ([]*UnclassifiedImage, error) {
	rows, err := s.db.Query(`SELECT id, thumbnail FROM images
		WHERE thumbnail IS NOT NULL AND annotated_image IS NULL
		ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var images []*UnclassifiedImage
	for rows.Next() {
		var img UnclassifiedImage
		if err := rows.Scan(&img.ID, &img.Thumbnail); err != nil {
			return nil, err
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

func (s *SQLiteDatabase) GetClassifications() ([]*StoredClassification, error) {
	rows, err := s.db.Query(`SELECT id, classification FROM images
		WHERE classification IS NOT NULL
		ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*StoredClassification
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		result = append(result, &StoredClassification{ID: id, Payload: []byte(payload)})
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) SetClassification(id string, annotated []byte, classification *classifier.Classification) error {
	if len(annotated) == 0 || classification == nil {
		return fmt.Errorf("record %s: %w", id, ErrClassificationMismatch)
	}
	payload, err := classification.Encode()
	if err != nil {
		return err
	}

	result, err := s.db.Exec("UPDATE images SET annotated_image = ?, classification = ? WHERE id = ?",
		annotated, string(payload), id)
	if err != nil {
		return fmt.Errorf("failed to store classification for %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) GetOriginalImageByID(id string) ([]byte, error) {
	return s.getBlob("thumbnail", id)
}

func (s *SQLiteDatabase) GetClassifiedImageByID(id string) ([]byte, error) {
	return s.getBlob("annotated_image", id)
}

func (s *SQLiteDatabase) getBlob(column, id string) ([]byte, error) {
	row := s.db.QueryRow("SELECT "+column+" FROM images WHERE id = ?", id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image %s has no %s: %w", id, column, ErrNotFound)
	}
	return data, nil
}

func (s *SQLiteDatabase) ClearAll() error {
	result, err := s.db.Exec("DELETE FROM images")
	if err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil {
		slog.Info("catalog cleared", "deleted_records", affected)
	}
	return nil
}

func isRecordColumn(name string) bool {
	for _, column := range RecordColumns {
		if column == name {
			return true
		}
	}
	return false
}

func isInMemory(connectionString string) bool {
	return connectionString == ":memory:" || strings.Contains(connectionString, "mode=memory")
}

func stripQuery(connectionString string) string {
	path := strings.TrimPrefix(connectionString, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func withBusyTimeout(connectionString string) string {
	if strings.Contains(connectionString, "busy_timeout") {
		return connectionString
	}
	sep := "?"
	if strings.Contains(connectionString, "?") {
		sep = "&"
	}
	return connectionString + sep + "_pragma=busy_timeout(5000)"
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
