package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
)

// Store journals operation outcomes so they can be inspected after the process exits.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create operation store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create operation lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open operation sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS operations (
			operation_id TEXT PRIMARY KEY,
			verb TEXT NOT NULL,
			state TEXT NOT NULL,
			network TEXT NOT NULL,
			sender TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_operations_state_updated ON operations(state, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init operation schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the outcome. A nil store discards it.
func (s *Store) Save(outcome Outcome) error {
	if s == nil || s.db == nil {
		return nil
	}
	if strings.TrimSpace(outcome.OperationID) == "" {
		return fmt.Errorf("save operation: missing operation id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock operation store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock operation store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(outcome.CreatedAt)
	updatedUnix, _ := parseRFC3339Unix(outcome.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO operations (operation_id, verb, state, network, sender, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO UPDATE SET
			state=excluded.state,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, outcome.OperationID, string(outcome.Verb), string(outcome.State), outcome.Network, strings.ToLower(outcome.Sender), createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

func (s *Store) Get(operationID string) (Outcome, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM operations WHERE operation_id = ?", strings.TrimSpace(operationID)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("operation not found: %s", operationID))
		}
		return Outcome{}, fmt.Errorf("read operation: %w", err)
	}
	var outcome Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode operation payload: %w", err)
	}
	return outcome, nil
}

// List returns the most recently updated operations, optionally filtered by state.
func (s *Store) List(state string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(state) == "" {
		rows, err = s.db.Query("SELECT payload FROM operations ORDER BY updated_at DESC, created_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM operations WHERE state = ? ORDER BY updated_at DESC, created_at DESC LIMIT ?", state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	outcomes := make([]Outcome, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		var outcome Outcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return nil, fmt.Errorf("decode operation row: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return outcomes, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
