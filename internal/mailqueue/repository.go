package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrAlreadyQueued is returned when an item with the same fingerprint exists.
var ErrAlreadyQueued = errors.New("email already queued")

// MailQueueItem represents an email in the queue
type MailQueueItem struct {
	ID                int64      `db:"id"`
	InsertFingerprint *string    `db:"insert_fingerprint"`
	CaseID            *string    `db:"case_id"`
	Attempts          int        `db:"attempts"`
	Sender            *string    `db:"sender"`
	Recipient         string     `db:"recipient"`
	RawMessage        []byte     `db:"raw_message"`
	DueTime           *time.Time `db:"due_time"`
	LastError         *string    `db:"last_error"`
	CreateTime        time.Time  `db:"create_time"`
}

// Store persists queued emails.
type Store interface {
	Insert(ctx context.Context, item *MailQueueItem) error
	GetPending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*MailQueueItem, error)
	UpdateAttempts(ctx context.Context, id int64, lastError string, nextDueTime *time.Time) error
	Delete(ctx context.Context, id int64) error
	GetFailed(ctx context.Context, maxAttempts int, limit int) ([]*MailQueueItem, error)
}

const itemColumns = `id, insert_fingerprint, case_id, attempts, sender, recipient,
			   raw_message, due_time, last_error, create_time`

// MailQueueRepository handles database operations for the mail queue
type MailQueueRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMailQueueRepository creates a new mail queue repository
func NewMailQueueRepository(db *sqlx.DB) *MailQueueRepository {
	return &MailQueueRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert adds a new email to the queue
func (r *MailQueueRepository) Insert(ctx context.Context, item *MailQueueItem) error {
	if item.CreateTime.IsZero() {
		item.CreateTime = r.now()
	}
	query := r.db.Rebind(`
		INSERT INTO mail_queue (
			insert_fingerprint, case_id, attempts, sender, recipient,
			raw_message, due_time, create_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.ExecContext(ctx, query,
		item.InsertFingerprint,
		item.CaseID,
		item.Attempts,
		item.Sender,
		item.Recipient,
		string(item.RawMessage),
		item.DueTime,
		item.CreateTime,
	)

	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %v", ErrAlreadyQueued, err)
		}
		return fmt.Errorf("failed to insert mail queue item: %w", err)
	}

	return nil
}

// isDuplicate recognises a unique violation from each supported driver.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// GetPending retrieves emails that are ready to be sent (due_time is null or past)
// and have attempts left.
func (r *MailQueueRepository) GetPending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*MailQueueItem, error) {
	query := r.db.Rebind(`
		SELECT ` + itemColumns + `
		FROM mail_queue
		WHERE (due_time IS NULL OR due_time <= ?) AND attempts < ?
		ORDER BY create_time ASC
		LIMIT ?
	`)

	var items []*MailQueueItem
	if err := r.db.SelectContext(ctx, &items, query, now, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}
	return items, nil
}

// UpdateAttempts increments the attempt count and sets the next due time
func (r *MailQueueRepository) UpdateAttempts(ctx context.Context, id int64, lastError string, nextDueTime *time.Time) error {
	query := r.db.Rebind(`
		UPDATE mail_queue
		SET attempts = attempts + 1,
			last_error = ?,
			due_time = ?
		WHERE id = ?
	`)

	_, err := r.db.ExecContext(ctx, query, lastError, nextDueTime, id)
	if err != nil {
		return fmt.Errorf("failed to update mail queue attempts: %w", err)
	}

	return nil
}

// Delete removes a successfully sent email from the queue
func (r *MailQueueRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM mail_queue WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete mail queue item: %w", err)
	}

	return nil
}

// GetFailed retrieves emails that have exceeded max attempts
func (r *MailQueueRepository) GetFailed(ctx context.Context, maxAttempts int, limit int) ([]*MailQueueItem, error) {
	query := r.db.Rebind(`
		SELECT ` + itemColumns + `
		FROM mail_queue
		WHERE attempts >= ?
		ORDER BY create_time ASC
		LIMIT ?
	`)

	var items []*MailQueueItem
	if err := r.db.SelectContext(ctx, &items, query, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("failed to query failed emails: %w", err)
	}
	return items, nil
}
