package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/turnstile-dev/turnstile/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for everything that must survive
// a process restart: the orchestration state record, the batch queue, the
// bulk payload blobs, the append-only result sink and the named alarms.
type Store struct {
	db *sql.DB

	// Serializes read-merge-write cycles on the control record so two
	// handlers in the same process cannot interleave partial updates.
	stateMu sync.Mutex
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ControlState returns the orchestration state record, or the zero record
// when none has been persisted yet.
func (s *Store) ControlState() (domain.OrchestrationState, error) {
	var state domain.OrchestrationState

	var record string
	err := s.db.QueryRow(`SELECT record FROM control_state WHERE id = 1`).Scan(&record)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, err
	}

	if err := json.Unmarshal([]byte(record), &state); err != nil {
		return domain.OrchestrationState{}, fmt.Errorf("decoding control state: %w", err)
	}
	return state, nil
}

// UpdateControlState applies fn to the current record and persists the
// result as a whole. Read-merge-write, never field-level writes, so a
// failed write leaves the previous record intact.
func (s *Store) UpdateControlState(fn func(*domain.OrchestrationState)) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state, err := s.ControlState()
	if err != nil {
		return err
	}

	fn(&state)

	record, err := json.Marshal(state)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO control_state (id, record) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record
	`, string(record))
	return err
}

// ClearControlState resets the record to its defaults
func (s *Store) ClearControlState() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM control_state WHERE id = 1`)
	return err
}

// AddBatch inserts a batch and its task payload blob. The metadata row and
// the bulk payload are kept in separate tables; ListBatches never touches
// the blobs.
func (s *Store) AddBatch(b *domain.Batch, tasks []domain.Task) error {
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO batches (id, name, total_count, current_index, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.Name, b.TotalCount, b.CurrentIndex, string(b.Status), b.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO payloads (batch_id, tasks) VALUES (?, ?)`, b.ID, string(tasksJSON))
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(id string) (*domain.Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, name, total_count, current_index, status, created_at
		FROM batches WHERE id = ?
	`, id)
	return scanBatch(row.Scan)
}

// ListBatches returns all batches in insertion order
func (s *Store) ListBatches() ([]*domain.Batch, error) {
	rows, err := s.db.Query(`
		SELECT id, name, total_count, current_index, status, created_at
		FROM batches ORDER BY rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatch applies fn to the batch and persists the whole row
func (s *Store) UpdateBatch(id string, fn func(*domain.Batch)) error {
	b, err := s.GetBatch(id)
	if err != nil {
		return err
	}

	fn(b)

	_, err = s.db.Exec(`
		UPDATE batches SET name = ?, total_count = ?, current_index = ?, status = ? WHERE id = ?
	`, b.Name, b.TotalCount, b.CurrentIndex, string(b.Status), b.ID)
	return err
}

// ResetBatch rewinds a batch to its initial state
func (s *Store) ResetBatch(id string) error {
	return s.UpdateBatch(id, func(b *domain.Batch) {
		b.CurrentIndex = 0
		b.Status = domain.BatchPending
	})
}

// DeleteBatch removes a batch and its payload blob
func (s *Store) DeleteBatch(id string) error {
	_, err := s.db.Exec(`DELETE FROM batches WHERE id = ?`, id)
	return err
}

// GetTasks returns the task list for a batch. A missing or empty blob is
// not an error here; the orchestrator treats it as a degraded skip.
func (s *Store) GetTasks(batchID string) ([]domain.Task, error) {
	var tasksJSON string
	err := s.db.QueryRow(`SELECT tasks FROM payloads WHERE batch_id = ?`, batchID).Scan(&tasksJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tasks []domain.Task
	if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
		return nil, fmt.Errorf("decoding payload for %s: %w", batchID, err)
	}
	return tasks, nil
}

// AppendResult appends a record to the result sink. The (batch, index)
// uniqueness constraint makes a duplicate append from a stale completion a
// no-op; inserted reports whether a row was actually written.
func (s *Store) AppendResult(r *domain.ResultRecord) (inserted bool, err error) {
	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return false, err
	}

	res, err := s.db.Exec(`
		INSERT INTO results (batch_id, task_index, created_at, payload, fields, confidence, reasoning, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, task_index) DO NOTHING
	`, r.BatchID, r.TaskIndex, r.CreatedAt, string(r.Payload), string(fieldsJSON), r.Confidence, r.Reasoning, r.Note)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListResults returns result records in append order, optionally filtered
// by batch id.
func (s *Store) ListResults(batchID string) ([]*domain.ResultRecord, error) {
	query := `SELECT id, batch_id, task_index, created_at, payload, fields, confidence, reasoning, note FROM results`
	var args []interface{}

	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ResultRecord
	for rows.Next() {
		var r domain.ResultRecord
		var payload, fields sql.NullString
		var reasoning, note sql.NullString
		if err := rows.Scan(&r.ID, &r.BatchID, &r.TaskIndex, &r.CreatedAt, &payload, &fields, &r.Confidence, &reasoning, &note); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		if fields.Valid && fields.String != "" && fields.String != "null" {
			if err := json.Unmarshal([]byte(fields.String), &r.Fields); err != nil {
				return nil, err
			}
		}
		r.Reasoning = reasoning.String
		r.Note = note.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// ClearResults removes every record from the result sink
func (s *Store) ClearResults() error {
	_, err := s.db.Exec(`DELETE FROM results`)
	return err
}

// SetAlarm arms the named alarm. Re-arming replaces the previous instance,
// so at most one pending instance exists per name.
func (s *Store) SetAlarm(name string, fireAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO alarms (name, fire_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET fire_at = excluded.fire_at
	`, name, fireAt)
	return err
}

// ClearAlarm disarms the named alarm
func (s *Store) ClearAlarm(name string) error {
	_, err := s.db.Exec(`DELETE FROM alarms WHERE name = ?`, name)
	return err
}

// GetAlarm returns the fire time for a named alarm, if armed
func (s *Store) GetAlarm(name string) (time.Time, bool, error) {
	var fireAt time.Time
	err := s.db.QueryRow(`SELECT fire_at FROM alarms WHERE name = ?`, name).Scan(&fireAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fireAt, true, nil
}

// DueAlarms returns the names of alarms whose fire time has passed
func (s *Store) DueAlarms(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM alarms WHERE fire_at <= ? ORDER BY fire_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanBatch(scan func(...interface{}) error) (*domain.Batch, error) {
	var b domain.Batch
	var status string
	if err := scan(&b.ID, &b.Name, &b.TotalCount, &b.CurrentIndex, &status, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	return &b, nil
}
