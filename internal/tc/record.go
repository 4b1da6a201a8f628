package tc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is a transfer certificate record as stored in Postgres.
// The public verification flow only ever reads it; writes go through
// the staff endpoints.
type Record struct {
	ID              string     `json:"id"`
	AdmissionNumber string     `json:"admission_number"`
	CertNumber      string     `json:"cert_number"`
	StudentName     string     `json:"student_name"`
	Class           *string    `json:"class,omitempty"`
	LeavingDate     *time.Time `json:"leaving_date,omitempty"`
	Verified        bool       `json:"verified"`
	FilePath        string     `json:"file_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Attempt is one recorded verification attempt, written by the audit worker.
type Attempt struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Origin    string    `json:"origin"`
	Outcome   string    `json:"outcome"`
	When      time.Time `json:"occurred_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists TC records and attempt audit rows in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordCols = `id, admission_number, cert_number, student_name, class, leaving_date, verified, COALESCE(file_path, ''), created_at, updated_at`

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.AdmissionNumber, &rec.CertNumber, &rec.StudentName,
		&rec.Class, &rec.LeavingDate, &rec.Verified, &rec.FilePath, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetRecord returns a record by id, or nil when it does not exist.
func (r *Repository) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+`
		FROM tc_records WHERE id = $1
	`, id)
	return scanRecord(row)
}

// ListRecords returns records newest first.
func (r *Repository) ListRecords(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordCols+`
		FROM tc_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AdmissionNumber, &rec.CertNumber, &rec.StudentName,
			&rec.Class, &rec.LeavingDate, &rec.Verified, &rec.FilePath, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// InsertRecord writes a new record and returns it with timestamps filled in.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.AdmissionNumber == "" || rec.CertNumber == "" || rec.StudentName == "" {
		return Record{}, errors.New("admission number, cert number and student name required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tc_records (id, admission_number, cert_number, student_name, class, leaving_date, verified, file_path)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''))
		RETURNING created_at, updated_at
	`, rec.ID, rec.AdmissionNumber, rec.CertNumber, rec.StudentName, rec.Class, rec.LeavingDate, rec.Verified, rec.FilePath)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateRecord updates the editable fields of a record.
func (r *Repository) UpdateRecord(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tc_records
		SET admission_number = $2, cert_number = $3, student_name = $4,
		    class = $5, leaving_date = $6, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.AdmissionNumber, rec.CertNumber, rec.StudentName, rec.Class, rec.LeavingDate)
	return err
}

// SetVerified toggles the verified flag.
func (r *Repository) SetVerified(ctx context.Context, id string, verified bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tc_records SET verified = $2, updated_at = NOW() WHERE id = $1
	`, id, verified)
	return err
}

// SetFilePath records where the certificate file lives in the file store.
func (r *Repository) SetFilePath(ctx context.Context, id, path string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tc_records SET file_path = $2, updated_at = NOW() WHERE id = $1
	`, id, path)
	return err
}

// InsertAttempt writes one audit row.
func (r *Repository) InsertAttempt(ctx context.Context, att Attempt) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.When.IsZero() {
		att.When = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_attempts (id, record_id, origin, outcome, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, att.ID, att.RecordID, att.Origin, att.Outcome, att.When)
	return err
}

// RecentAttempts returns the latest audit rows, optionally filtered by record.
func (r *Repository) RecentAttempts(ctx context.Context, recordID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, record_id, origin, outcome, occurred_at, created_at FROM verification_attempts`
	args := []any{}
	if recordID != "" {
		query += ` WHERE record_id = $1`
		args = append(args, recordID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT $` + itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attempt
	for rows.Next() {
		var att Attempt
		if err := rows.Scan(&att.ID, &att.RecordID, &att.Origin, &att.Outcome, &att.When, &att.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, att)
	}
	return res, rows.Err()
}
