// Package cache persists ERC20 token metadata between runs. Balances are never cached.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Entry struct {
	Metadata protocol.TokenMetadata
	Age      time.Duration
	Stale    bool
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS token_metadata (
			chain_id INTEGER NOT NULL,
			address TEXT NOT NULL,
			symbol TEXT NOT NULL,
			name TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			fetched_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			PRIMARY KEY (chain_id, address)
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has expired. Open calls it.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	if _, err := s.db.Exec("DELETE FROM token_metadata WHERE fetched_at + ttl_seconds < ?", nowUnix); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Lookup returns the cached metadata for a token. A miss is (Entry{}, false, nil).
func (s *Store) Lookup(chainID uint64, token common.Address) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, nil
	}
	var (
		symbol, name string
		decimals     int64
		fetchedUnix  int64
		ttlSeconds   int64
	)
	err := s.db.QueryRow(
		"SELECT symbol, name, decimals, fetched_at, ttl_seconds FROM token_metadata WHERE chain_id = ? AND address = ?",
		int64(chainID), addressKey(token),
	).Scan(&symbol, &name, &decimals, &fetchedUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(fetchedUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	return Entry{
		Metadata: protocol.TokenMetadata{Address: token, Symbol: symbol, Name: name, Decimals: uint8(decimals)},
		Age:      age,
		Stale:    age > time.Duration(ttlSeconds)*time.Second,
	}, true, nil
}

func (s *Store) Put(chainID uint64, meta protocol.TokenMetadata, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO token_metadata (chain_id, address, symbol, name, decimals, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address) DO UPDATE SET
			symbol=excluded.symbol,
			name=excluded.name,
			decimals=excluded.decimals,
			fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds
	`, int64(chainID), addressKey(meta.Address), meta.Symbol, meta.Name, int64(meta.Decimals), time.Now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
