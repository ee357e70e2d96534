package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `entry_id, token, token_day, request_id, patient_id, patient_name, doctor_id, branch_id,
	appointment_id, visit_id, status, source, priority, notes, created_at, checked_in_at, called_at,
	consultation_started_at, consultation_ended_at, no_show_at, updated_at`

const tokenConstraint = "queue_entries_token_day_token_key"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// timestamp truncates to the precision Postgres keeps so event hashes
// survive a round trip.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) Insert(ctx context.Context, entry models.QueueEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO queue_entries (`+entryColumns+`)
			VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		`, entry.ID, entry.Token, entry.TokenDay, nullIfEmpty(entry.RequestID), entry.PatientRef, entry.PatientName,
			entry.DoctorRef, entry.BranchRef, entry.AppointmentRef, entry.VisitRef, entry.Status, entry.Source,
			entry.Priority, entry.Notes, entry.CreatedAt, entry.CheckedInAt, entry.CalledAt,
			entry.ConsultationStartedAt, entry.ConsultationEndedAt, entry.NoShowAt, entry.UpdatedAt)
		if err != nil {
			return err
		}
		return s.insertEntryEvent(ctx, tx, entry, store.EventCreated)
	})
}

func (s *Store) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND removed_at IS NULL
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	if requestID == "" {
		return models.QueueEntry{}, false, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE request_id = $1 AND removed_at IS NULL
	`, requestID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Update(ctx context.Context, id string, mutation store.Mutation) (models.QueueEntry, error) {
	updated, err := s.UpdateMany(ctx, []string{id}, mutation)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return updated[0], nil
}

// UpdateMany locks every row without waiting; a row held by another
// writer fails the whole call with store.ErrConflict.
func (s *Store) UpdateMany(ctx context.Context, ids []string, mutation store.Mutation) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockEntries(ctx, tx, ids)
		if err != nil {
			return err
		}
		now := s.timestamp()
		out = make([]models.QueueEntry, 0, len(ids))
		for _, id := range ids {
			entry := locked[id]
			if err := mutation.Apply(&entry); err != nil {
				return err
			}
			entry.UpdatedAt = now
			if err := updateEntry(ctx, tx, entry); err != nil {
				return err
			}
			if err := s.insertEntryEvent(ctx, tx, entry, mutation.Event); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete hides the entry and frees its request id. The row stays so the
// token remains reserved and the event chain keeps its parent.
func (s *Store) Delete(ctx context.Context, id string) (models.QueueEntry, error) {
	var removed models.QueueEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockEntries(ctx, tx, []string{id})
		if err != nil {
			return err
		}
		entry := locked[id]
		if entry.Status == models.StatusInConsultation {
			return &store.StateError{ID: id, Status: entry.Status, Action: "remove"}
		}
		if err := s.insertEntryEvent(ctx, tx, entry, store.EventRemoved); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE queue_entries
			SET removed_at = $2, request_id = NULL
			WHERE entry_id = $1
		`, id, s.timestamp()); err != nil {
			return err
		}
		removed = entry
		return nil
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return removed, nil
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]models.QueueEntry, error) {
	query, args := listQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortEntries(out)
	return out, nil
}

func listQuery(filter store.Filter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT " + entryColumns + " FROM queue_entries WHERE removed_at IS NULL")
	args := []interface{}{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		b.WriteString(" AND ")
		b.WriteString(fmt.Sprintf(clause, len(args)))
	}

	if filter.DoctorRef != "" {
		add("doctor_id = $%d", filter.DoctorRef)
	}
	if filter.BranchRef != "" {
		add("branch_id = $%d", filter.BranchRef)
	}
	if len(filter.Statuses) > 0 {
		values := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			values = append(values, string(status))
		}
		add("status = ANY($%d)", values)
	}
	if len(filter.Sources) > 0 {
		values := make([]string, 0, len(filter.Sources))
		for _, source := range filter.Sources {
			values = append(values, string(source))
		}
		add("source = ANY($%d)", values)
	}
	if filter.Date != "" {
		add("token_day = $%d::date", filter.Date)
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		args = append(args, pattern)
		n := len(args)
		b.WriteString(fmt.Sprintf(" AND (patient_name ILIKE $%d OR token ILIKE $%d)", n, n))
	}
	return b.String(), args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (s *Store) ListEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload string
		if err := rows.Scan(&event.EventID, &event.EntryID, &event.Seq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	return events, nil
}

func (s *Store) insertEntryEvent(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, eventType string) error {
	payload, err := store.EventPayload(entry)
	if err != nil {
		return err
	}

	var prev *store.EntryEvent
	var last store.EntryEvent
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entry.ID)
	switch err := row.Scan(&last.Seq, &last.Hash); {
	case err == nil:
		prev = &last
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}

	event := store.NextEntryEvent(prev, uuid.NewString(), entry.ID, eventType, payload, s.timestamp())
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entry_events (event_id, entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.EventID, event.EntryID, event.Seq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func lockEntries(ctx context.Context, tx pgx.Tx, ids []string) (map[string]models.QueueEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = ANY($1) AND removed_at IS NULL
		ORDER BY entry_id
		FOR UPDATE NOWAIT
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]models.QueueEntry, len(ids))
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		locked[entry.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return nil, store.ErrNotFound
		}
	}
	return locked, nil
}

func updateEntry(ctx context.Context, tx pgx.Tx, entry models.QueueEntry) error {
	_, err := tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, priority = $3, notes = $4, doctor_id = $5, branch_id = $6,
			checked_in_at = $7, called_at = $8, consultation_started_at = $9,
			consultation_ended_at = $10, no_show_at = $11, updated_at = $12
		WHERE entry_id = $1
	`, entry.ID, entry.Status, entry.Priority, entry.Notes, entry.DoctorRef, entry.BranchRef,
		entry.CheckedInAt, entry.CalledAt, entry.ConsultationStartedAt,
		entry.ConsultationEndedAt, entry.NoShowAt, entry.UpdatedAt)
	return err
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var day time.Time
	var requestID *string
	err := row.Scan(&entry.ID, &entry.Token, &day, &requestID, &entry.PatientRef, &entry.PatientName,
		&entry.DoctorRef, &entry.BranchRef, &entry.AppointmentRef, &entry.VisitRef, &entry.Status, &entry.Source,
		&entry.Priority, &entry.Notes, &entry.CreatedAt, &entry.CheckedInAt, &entry.CalledAt,
		&entry.ConsultationStartedAt, &entry.ConsultationEndedAt, &entry.NoShowAt, &entry.UpdatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.TokenDay = day.Format(store.DayLayout)
	if requestID != nil {
		entry.RequestID = *requestID
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	for _, ts := range []*time.Time{entry.CheckedInAt, entry.CalledAt, entry.ConsultationStartedAt, entry.ConsultationEndedAt, entry.NoShowAt} {
		if ts != nil {
			*ts = ts.UTC()
		}
	}
	return entry, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError turns lock and uniqueness failures into store sentinels and
// connection failures into upstream errors.
func mapError(err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return store.Upstream("postgres", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23505":
		if pgErr.ConstraintName == tokenConstraint {
			return fmt.Errorf("%w: %s", store.ErrDuplicateToken, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Detail)
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
