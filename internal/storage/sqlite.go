package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"petdose/internal/domain"
)

var ErrNotFound = errors.New("reminder not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS reminders (
  id TEXT PRIMARY KEY,
  tutor_name TEXT NOT NULL DEFAULT '',
  pet_name TEXT NOT NULL DEFAULT '',
  pet_breed TEXT NOT NULL DEFAULT '',
  phone_number TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  revision INTEGER NOT NULL DEFAULT 1,
  webhook_url TEXT NOT NULL DEFAULT '',
  webhook_secret TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_active ON reminders(is_active);
CREATE TABLE IF NOT EXISTS medications (
  reminder_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  title TEXT NOT NULL,
  quantity TEXT NOT NULL DEFAULT '',
  frequency_value INTEGER NOT NULL,
  frequency_unit TEXT NOT NULL,
  duration_value INTEGER NOT NULL,
  duration_unit TEXT NOT NULL,
  start_at INTEGER NOT NULL,
  end_at INTEGER,
  PRIMARY KEY(reminder_id, position),
  FOREIGN KEY(reminder_id) REFERENCES reminders(id)
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id TEXT PRIMARY KEY,
  reminder_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload BLOB,
  status_code INTEGER NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_reminder ON webhook_deliveries(reminder_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	CreateReminder(ctx context.Context, r domain.Reminder) (string, error)
	GetReminder(ctx context.Context, id string) (domain.Reminder, error)
	UpdateReminder(ctx context.Context, r domain.Reminder) error
	DeleteReminder(ctx context.Context, id string) error
	ListActiveReminders(ctx context.Context) ([]domain.Reminder, error)
	SetReminderActive(ctx context.Context, id string, active bool, at time.Time) error
	// MarkReminderFinished deactivates an active reminder and reports whether
	// this call made the transition.
	MarkReminderFinished(ctx context.Context, id string, at time.Time) (bool, error)

	// Delivery log (append-only)
	RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	ListDeliveries(ctx context.Context, reminderID string, limit int) ([]domain.DeliveryRecord, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

const reminderCols = `id,tutor_name,pet_name,pet_breed,phone_number,is_active,revision,webhook_url,webhook_secret,created_at,updated_at`

func (r *sqliteRepo) CreateReminder(ctx context.Context, rem domain.Reminder) (string, error) {
	if rem.ID == "" {
		rem.ID = "rem_" + uuid.NewString()
	}
	now := time.Now()
	if rem.CreatedAt.IsZero() {
		rem.CreatedAt = now
	}
	if rem.UpdatedAt.IsZero() {
		rem.UpdatedAt = rem.CreatedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO reminders (`+reminderCols+`)
VALUES (?,?,?,?,?,?,1,?,?,?,?)
`, rem.ID, rem.TutorName, rem.PetName, rem.PetBreed, rem.PhoneNumber, rem.IsActive,
		rem.WebhookURL, rem.WebhookSecret, ms(rem.CreatedAt), ms(rem.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("insert reminder: %w", err)
	}
	if err := insertMedications(ctx, tx, rem.ID, rem.Medications); err != nil {
		return "", err
	}
	return rem.ID, tx.Commit()
}

func insertMedications(ctx context.Context, tx *sql.Tx, reminderID string, meds []domain.Medication) error {
	for i, m := range meds {
		var end sql.NullInt64
		if m.EndAt != nil {
			end = sql.NullInt64{Int64: ms(*m.EndAt), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO medications (reminder_id,position,title,quantity,frequency_value,frequency_unit,duration_value,duration_unit,start_at,end_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, reminderID, i, m.Title, m.Quantity, m.FrequencyValue, string(m.FrequencyUnit),
			m.DurationValue, string(m.DurationUnit), ms(m.StartAt), end)
		if err != nil {
			return fmt.Errorf("insert medication %d: %w", i, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(row scanner) (domain.Reminder, error) {
	var rem domain.Reminder
	var created, updated int64
	if err := row.Scan(&rem.ID, &rem.TutorName, &rem.PetName, &rem.PetBreed, &rem.PhoneNumber, &rem.IsActive, &rem.Revision,
		&rem.WebhookURL, &rem.WebhookSecret, &created, &updated); err != nil {
		return domain.Reminder{}, err
	}
	rem.CreatedAt = fromMS(created)
	rem.UpdatedAt = fromMS(updated)
	return rem, nil
}

func (r *sqliteRepo) GetReminder(ctx context.Context, id string) (domain.Reminder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id=?`, id)
	rem, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, ErrNotFound
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	meds, err := r.medications(ctx, `WHERE reminder_id=?`, id)
	if err != nil {
		return domain.Reminder{}, err
	}
	rem.Medications = meds[id]
	return rem, nil
}

// medications loads medication rows grouped by reminder id, in position order.
func (r *sqliteRepo) medications(ctx context.Context, where string, args ...any) (map[string][]domain.Medication, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT reminder_id,title,quantity,frequency_value,frequency_unit,duration_value,duration_unit,start_at,end_at
FROM medications `+where+` ORDER BY reminder_id, position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.Medication)
	for rows.Next() {
		var (
			reminderID, fu, du string
			m                  domain.Medication
			start              int64
			end                sql.NullInt64
		)
		if err := rows.Scan(&reminderID, &m.Title, &m.Quantity, &m.FrequencyValue, &fu, &m.DurationValue, &du, &start, &end); err != nil {
			return nil, err
		}
		m.FrequencyUnit = domain.FrequencyUnit(fu)
		m.DurationUnit = domain.DurationUnit(du)
		m.StartAt = fromMS(start)
		if end.Valid {
			t := fromMS(end.Int64)
			m.EndAt = &t
		}
		out[reminderID] = append(out[reminderID], m)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateReminder(ctx context.Context, rem domain.Reminder) error {
	if rem.UpdatedAt.IsZero() {
		rem.UpdatedAt = time.Now()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE reminders SET tutor_name=?,pet_name=?,pet_breed=?,phone_number=?,is_active=?,webhook_url=?,webhook_secret=?,updated_at=?,revision=revision+1
WHERE id=?`, rem.TutorName, rem.PetName, rem.PetBreed, rem.PhoneNumber, rem.IsActive,
		rem.WebhookURL, rem.WebhookSecret, ms(rem.UpdatedAt), rem.ID)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM medications WHERE reminder_id=?`, rem.ID); err != nil {
		return fmt.Errorf("clear medications: %w", err)
	}
	if err := insertMedications(ctx, tx, rem.ID, rem.Medications); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) DeleteReminder(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM medications WHERE reminder_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *sqliteRepo) ListActiveReminders(ctx context.Context) ([]domain.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE is_active=1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var reminders []domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reminders = append(reminders, rem)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	meds, err := r.medications(ctx, `WHERE reminder_id IN (SELECT id FROM reminders WHERE is_active=1)`)
	if err != nil {
		return nil, err
	}
	for i := range reminders {
		reminders[i].Medications = meds[reminders[i].ID]
	}
	return reminders, nil
}

func (r *sqliteRepo) SetReminderActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE reminders SET is_active=?,updated_at=?,revision=revision+1 WHERE id=?`, active, ms(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) MarkReminderFinished(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE reminders SET is_active=0,updated_at=?,revision=revision+1 WHERE id=? AND is_active=1`, ms(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteRepo) RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = "dlv_" + uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id,reminder_id,event_type,payload,status_code,response_body,success,error,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, rec.ID, rec.ReminderID, rec.EventType.String(), rec.Payload, rec.StatusCode, rec.ResponseBody, rec.Success, rec.Error, ms(rec.CreatedAt))
	return err
}

func (r *sqliteRepo) ListDeliveries(ctx context.Context, reminderID string, limit int) ([]domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,reminder_id,event_type,payload,status_code,response_body,success,error,created_at
FROM webhook_deliveries WHERE reminder_id=? ORDER BY created_at DESC, id LIMIT ?`, reminderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.DeliveryRecord
	for rows.Next() {
		var (
			rec     domain.DeliveryRecord
			event   string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.ReminderID, &event, &rec.Payload, &rec.StatusCode, &rec.ResponseBody, &rec.Success, &rec.Error, &created); err != nil {
			return nil, err
		}
		if rec.EventType, err = domain.ParseEventType(event); err != nil {
			return nil, err
		}
		rec.CreatedAt = fromMS(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
