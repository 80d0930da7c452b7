package loader

import (
	"database/sql"
	"fmt"
	"time"
)

// Recorder receives the outcome of every decode attempt.
// Implementations must be safe for concurrent use by workers.
type Recorder interface {
	Record(rec LoadRecord) error
}

// LoadRecord is one decode attempt.
type LoadRecord struct {
	ID         int64         `json:"id" yaml:"id"`
	Path       string        `json:"path" yaml:"path"`
	Priority   string        `json:"priority" yaml:"priority"`
	Generation uint64        `json:"generation" yaml:"generation"`
	Format     string        `json:"format,omitempty" yaml:"format,omitempty"`
	Width      uint32        `json:"width,omitempty" yaml:"width,omitempty"`
	Height     uint32        `json:"height,omitempty" yaml:"height,omitempty"`
	FileSize   int64         `json:"fileSize,omitempty" yaml:"file_size,omitempty"`
	DecodeTime time.Duration `json:"decodeTime" yaml:"decode_time"`
	Inserted   bool          `json:"inserted" yaml:"inserted"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	LoadedAt   time.Time     `json:"loadedAt" yaml:"loaded_at"`
}

// Journal persists decode outcomes in sqlite.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one decode outcome.
func (j *Journal) Record(rec LoadRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO loads (path, priority, generation, format, width, height, file_size, decode_ns, inserted, error, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Path, rec.Priority, rec.Generation, nullString(rec.Format), rec.Width, rec.Height, rec.FileSize,
		rec.DecodeTime.Nanoseconds(), rec.Inserted, nullString(rec.Error), rec.LoadedAt.UnixNano())
	if err != nil {
		sub("journal").Error("record failed", "path", rec.Path, "err", err)
		return fmt.Errorf("record load: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]LoadRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, path, priority, generation, format, width, height, file_size, decode_ns, inserted, error, loaded_at
		FROM loads ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent loads: %w", err)
	}
	defer rows.Close()

	var out []LoadRecord
	for rows.Next() {
		var (
			rec             LoadRecord
			format, errText sql.NullString
			width, height   sql.NullInt64
			fileSize        sql.NullInt64
			decodeNs        int64
			loadedAt        int64
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Priority, &rec.Generation, &format, &width, &height,
			&fileSize, &decodeNs, &rec.Inserted, &errText, &loadedAt); err != nil {
			return nil, fmt.Errorf("scan load: %w", err)
		}
		rec.Format = format.String
		rec.Width = uint32(width.Int64)
		rec.Height = uint32(height.Int64)
		rec.FileSize = fileSize.Int64
		rec.Error = errText.String
		rec.DecodeTime = time.Duration(decodeNs)
		rec.LoadedAt = time.Unix(0, loadedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded attempts and how many failed.
func (j *Journal) Counts() (total, failed int, err error) {
	err = j.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0) FROM loads
	`).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count loads: %w", err)
	}
	return total, failed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
