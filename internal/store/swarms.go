package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Swarm statuses recorded in history.
const (
	SwarmActive  = "active"
	SwarmStopped = "stopped"
	SwarmLost    = "lost"
)

// SwarmRecord is the persisted history of one bridge session. The bridge
// registry, not this table, decides whether a session is usable.
type SwarmRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Algorithm string          `json:"algorithm"`
	Config    json.RawMessage `json:"config"`
	Status    string          `json:"status"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
}

func scanSwarm(sc scanner) (*SwarmRecord, error) {
	r := &SwarmRecord{}
	var name, lastError sql.NullString
	var cfg string
	err := sc.Scan(&r.ID, &name, &r.Algorithm, &cfg, &r.Status, &lastError, &r.CreatedAt, &r.StoppedAt)
	if err != nil {
		return nil, err
	}
	r.Name = name.String
	r.LastError = lastError.String
	r.Config = json.RawMessage(cfg)
	return r, nil
}

const swarmColumns = `id, name, algorithm, config, status, last_error, created_at, stopped_at`

// SaveSwarm inserts a session record or, for a reused id, restarts its
// history as active.
func (s *Store) SaveSwarm(r *SwarmRecord) error {
	if r.Status == "" {
		r.Status = SwarmActive
	}
	cfg := string(r.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, algorithm, config, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			algorithm = excluded.algorithm,
			config = excluded.config,
			status = excluded.status,
			last_error = NULL,
			created_at = CURRENT_TIMESTAMP,
			stopped_at = NULL`,
		r.ID, r.Name, r.Algorithm, cfg, r.Status)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*SwarmRecord, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	r, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return r, nil
}

// ListSwarms returns history newest first. An empty status lists all.
func (s *Store) ListSwarms(status string) ([]SwarmRecord, error) {
	query := `SELECT ` + swarmColumns + ` FROM swarms`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var out []SwarmRecord
	for rows.Next() {
		r, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// FinishSwarm marks an active session as ended with status.
func (s *Store) FinishSwarm(id, status, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE swarms
		SET status = ?, last_error = NULLIF(?, ''), stopped_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active'`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("finish swarm: %w", err)
	}
	return nil
}

// FinishActiveSwarms ends every active session at once and returns how many
// rows changed.
func (s *Store) FinishActiveSwarms(status, lastError string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE swarms
		SET status = ?, last_error = NULLIF(?, ''), stopped_at = CURRENT_TIMESTAMP
		WHERE status = 'active'`, status, lastError)
	if err != nil {
		return 0, fmt.Errorf("finish active swarms: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteSwarm(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete swarm: %w", err)
	}
	return nil
}
