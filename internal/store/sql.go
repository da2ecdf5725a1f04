package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitespeed/internal/config"
	"bitespeed/internal/database"
	"bitespeed/internal/models"
	"bitespeed/internal/sentinel"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// SQLStore persists contacts in SQLite or PostgreSQL through database/sql.
type SQLStore struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect string
	now     func() time.Time
}

// NewSQL constructs a store over an initialized database.
func NewSQL(db *database.DB) *SQLStore {
	return &SQLStore{
		db:      db.Conn,
		dialect: db.Dialect(),
		// Postgres keeps microseconds; truncating keeps returned and stored values equal.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// RunInTx runs fn against a store bound to a single transaction. Postgres
// transactions are SERIALIZABLE; SQLite connections open with BEGIN IMMEDIATE.
// Retryable driver failures come back wrapped in sentinel.ErrConflict.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(s Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	var opts *sql.TxOptions
	if s.dialect == config.DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return database.ClassifyError(fmt.Errorf("begin contact tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&SQLStore{tx: tx, dialect: s.dialect, now: s.now}); err != nil {
		return database.ClassifyError(err)
	}

	if err := tx.Commit(); err != nil {
		return database.ClassifyError(fmt.Errorf("commit contact tx: %w", err))
	}
	return nil
}

func (s *SQLStore) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	var conds []string
	var args []any
	if email != nil {
		args = append(args, *email)
		conds = append(conds, "email = $"+strconv.Itoa(len(args)))
	}
	if phoneNumber != nil {
		args = append(args, *phoneNumber)
		conds = append(conds, "phone_number = $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE (` + strings.Join(conds, " OR ") + `) AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts by email or phone: %w", err)
	}
	return contacts, nil
}

func (s *SQLStore) FindByIDs(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE id IN (` + strings.Join(placeholders, ", ") + `) AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts by ids: %w", err)
	}
	return contacts, nil
}

func (s *SQLStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1 AND deleted_at IS NULL`
	c, err := scanContact(s.execer().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find contact %d: %w", id, err)
	}
	return c, nil
}

func (s *SQLStore) FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE (id = $1 OR linked_id = $2) AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, primaryID, primaryID)
	if err != nil {
		return nil, fmt.Errorf("find group of %d: %w", primaryID, err)
	}
	return contacts, nil
}

func (s *SQLStore) Create(ctx context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	now := s.now()
	var id int64
	err := s.execer().QueryRowContext(ctx, query,
		nullString(phoneNumber),
		nullString(email),
		nullInt64(linkedID),
		string(precedence),
		now,
		now,
	).Scan(&id)
	if err != nil {
		return nil, database.ClassifyError(fmt.Errorf("create %s contact: %w", precedence, err))
	}

	return &models.Contact{
		ID:             id,
		PhoneNumber:    phoneNumber,
		Email:          email,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *SQLStore) Update(ctx context.Context, id int64, update models.ContactUpdate) error {
	var sets []string
	var args []any
	if update.LinkPrecedence != nil {
		args = append(args, string(*update.LinkPrecedence))
		sets = append(sets, "link_precedence = $"+strconv.Itoa(len(args)))
	}
	if update.LinkedID != nil {
		args = append(args, *update.LinkedID)
		sets = append(sets, "linked_id = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, s.now())
	sets = append(sets, "updated_at = $"+strconv.Itoa(len(args)))
	args = append(args, id)

	query := `UPDATE contacts SET ` + strings.Join(sets, ", ") + ` WHERE id = $` + strconv.Itoa(len(args))
	res, err := s.execer().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact %d rows affected: %w", id, err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateManyLinkedID(ctx context.Context, oldLinkedID, newLinkedID int64) error {
	query := `UPDATE contacts SET linked_id = $1, updated_at = $2 WHERE linked_id = $3`
	if _, err := s.execer().ExecContext(ctx, query, newLinkedID, s.now(), oldLinkedID); err != nil {
		return fmt.Errorf("re-link contacts of %d to %d: %w", oldLinkedID, newLinkedID, err)
	}
	return nil
}

// queryContacts executes a query and returns contacts
func (s *SQLStore) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := s.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	c := &models.Contact{}
	var phone, email, precedence sql.NullString
	var linkedID sql.NullInt64
	var deletedAt sql.NullTime

	err := row.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	c.LinkPrecedence = models.LinkPrecedence(precedence.String)
	return c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
