package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const statusColumns = `document_id, state, progress, retry_count, max_retries, run_after, last_error, result_json, created_at, updated_at`

// Enqueue creates a pending queue entry for a document. maxRetries <= 0
// defaults to 3.
func (s *Store) Enqueue(documentID string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := formatTime(time.Now().UTC())
	_, err := s.db.Exec(`
		INSERT INTO processing_status (document_id, state, progress, retry_count, max_retries, run_after, created_at, updated_at)
		VALUES (?, 'pending', 0, 0, ?, ?, ?, ?)`,
		documentID, maxRetries, now, now, now,
	)
	return err
}

// ClaimBatch atomically selects up to limit due entries (pending or retrying
// with run_after elapsed, FIFO) and moves them to processing. Returned
// entries already reflect the processing state.
func (s *Store) ClaimBatch(limit int) ([]ProcessingStatus, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := formatTime(time.Now().UTC())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+statusColumns+` FROM processing_status
		WHERE state IN ('pending', 'retrying') AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due entries: %w", err)
	}

	var claimed []ProcessingStatus
	for rows.Next() {
		p, err := scanStatus(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating due entries: %w", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, nil
	}

	for i := range claimed {
		if _, err := tx.Exec(`
			UPDATE processing_status SET state = 'processing', progress = 10, updated_at = ?
			WHERE document_id = ?`, now, claimed[i].DocumentID); err != nil {
			return nil, fmt.Errorf("claiming entry %s: %w", claimed[i].DocumentID, err)
		}
		claimed[i].State = StateProcessing
		claimed[i].Progress = 10
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// MarkCompleted moves an entry to the completed state with the serialized
// processing result attached.
func (s *Store) MarkCompleted(documentID, resultJSON string) error {
	res, err := s.db.Exec(`
		UPDATE processing_status
		SET state = 'completed', progress = 100, last_error = '', result_json = ?, updated_at = ?
		WHERE document_id = ?`,
		resultJSON, formatTime(time.Now().UTC()), documentID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailProcessing records a failed attempt. While retry budget remains, the
// entry moves to retrying with run_after pushed out by baseDelay scaled by
// the attempt number (linear backoff); once retry_count reaches max_retries
// the entry is terminally failed. Returns the resulting state.
func (s *Store) FailProcessing(documentID, errMsg string, baseDelay time.Duration) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRow(`SELECT retry_count, max_retries FROM processing_status WHERE document_id = ?`,
		documentID).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	retryCount++

	state := StateRetrying
	if retryCount >= maxRetries {
		state = StateFailed
		_, err = tx.Exec(`
			UPDATE processing_status
			SET state = 'failed', retry_count = ?, last_error = ?, updated_at = ?
			WHERE document_id = ?`,
			retryCount, errMsg, formatTime(now), documentID)
	} else {
		runAfter := now.Add(baseDelay * time.Duration(retryCount))
		_, err = tx.Exec(`
			UPDATE processing_status
			SET state = 'retrying', retry_count = ?, last_error = ?, run_after = ?, updated_at = ?
			WHERE document_id = ?`,
			retryCount, errMsg, formatTime(runAfter), formatTime(now), documentID)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return state, nil
}

// MarkFailed forces an entry to the terminal failed state regardless of
// remaining retries. Used for input errors and out-of-band cancellation.
func (s *Store) MarkFailed(documentID, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE processing_status SET state = 'failed', last_error = ?, updated_at = ?
		WHERE document_id = ?`,
		errMsg, formatTime(time.Now().UTC()), documentID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetStatus returns the queue entry for a document, or ErrNotFound.
func (s *Store) GetStatus(documentID string) (ProcessingStatus, error) {
	row := s.db.QueryRow(`SELECT `+statusColumns+` FROM processing_status WHERE document_id = ?`, documentID)
	p, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return ProcessingStatus{}, ErrNotFound
	}
	return p, err
}

// Dequeue removes a not-yet-claimed entry, the only supported form of
// cancellation. Entries already processing are left alone.
func (s *Store) Dequeue(documentID string) error {
	res, err := s.db.Exec(`
		DELETE FROM processing_status
		WHERE document_id = ? AND state IN ('pending', 'retrying')`, documentID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// QueueDepth returns the number of entries per state.
func (s *Store) QueueDepth() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM processing_status GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depth := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		depth[state] = count
	}
	return depth, rows.Err()
}

// Backlog reports whether any pending or retrying entries exist, regardless
// of their run_after delay.
func (s *Store) Backlog() (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM processing_status WHERE state IN ('pending', 'retrying')`).Scan(&count)
	return count > 0, err
}

// ClearTerminal bulk-deletes completed and failed entries, returning how many
// were removed.
func (s *Store) ClearTerminal() (int, error) {
	res, err := s.db.Exec(`DELETE FROM processing_status WHERE state IN ('completed', 'failed')`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStatus(row rowScanner) (ProcessingStatus, error) {
	var p ProcessingStatus
	var runAfter, createdAt, updatedAt string
	if err := row.Scan(&p.DocumentID, &p.State, &p.Progress, &p.RetryCount, &p.MaxRetries,
		&runAfter, &p.LastError, &p.ResultJSON, &createdAt, &updatedAt); err != nil {
		return ProcessingStatus{}, err
	}
	var err error
	if p.RunAfter, err = parseTime(runAfter); err != nil {
		return ProcessingStatus{}, fmt.Errorf("parsing run_after for %s: %w", p.DocumentID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ProcessingStatus{}, fmt.Errorf("parsing created_at for %s: %w", p.DocumentID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ProcessingStatus{}, fmt.Errorf("parsing updated_at for %s: %w", p.DocumentID, err)
	}
	return p, nil
}
