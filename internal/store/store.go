// Package store implements the durable, TTL-bounded message store:
// content-addressed admission, deduplication, per-account ordered
// retrieval, and capacity-bounded expiry cleanup, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
)

const (
	PageSize        = 4096
	DefaultSizeCap  = 3*1024*1024*1024 + 512*1024*1024 // 3.5 GiB
	DefaultLimit    = 100
	MaxLimit        = 256
)

// OnDuplicate selects how Store reacts to a second store() of a hash it
// already has.
type OnDuplicate int

const (
	Ignore OnDuplicate = iota
	Fail
)

// Outcome is the result of a single store() call.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
	Rejected
)

// Result pairs an Outcome with the rejection reason, if any.
type Result struct {
	Outcome Outcome
	Reason  string
}

// ErrStorageFull is returned (wrapped into a Rejected Result) when the
// configured page cap would be exceeded by an insert.
var ErrStorageFull = fmt.Errorf("storage_full")

// Store is the SQLite-backed message store. All exported methods are
// safe for concurrent use; writes serialize behind mu so that a
// capacity check and its insert are observed atomically by every caller,
// matching the "no partial state on a failed store" invariant.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	maxPages int64
}

// Open opens (creating if needed) the SQLite database at path and
// prepares its schema. sizeCapBytes bounds on-disk page usage; 0 selects
// DefaultSizeCap.
func Open(path string, sizeCapBytes int64) (*Store, error) {
	if sizeCapBytes <= 0 {
		sizeCapBytes = DefaultSizeCap
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// PRAGMA page_size only takes effect before any table exists.
	if _, err := db.Exec(fmt.Sprintf("PRAGMA page_size=%d", PageSize)); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		hash TEXT PRIMARY KEY,
		account BLOB NOT NULL,
		namespace INTEGER NOT NULL,
		data BLOB NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		expiry_ms INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_account_ns_ts
		ON messages(account, namespace, timestamp_ms)`); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, maxPages: sizeCapBytes / PageSize}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// usedPagesLocked returns the current page_count; caller must hold mu.
func (s *Store) usedPagesLocked() (int64, error) {
	var n int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UsedPages reports the database's current on-disk page count.
func (s *Store) UsedPages() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedPagesLocked()
}

// Count returns the number of live (not-necessarily-unexpired) rows.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}

// Store atomically inserts msg, honoring onDuplicate on a hash collision
// and the configured capacity cap. A rejected store never leaves partial
// state: the capacity check and the insert happen under the same lock.
func (s *Store) Store(msg message.Message, onDuplicate OnDuplicate) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT 1 FROM messages WHERE hash = ?", msg.Hash).Scan(&exists); err == nil {
		if onDuplicate == Fail {
			return Result{Outcome: Duplicate, Reason: "duplicate hash"}, nil
		}
		return Result{Outcome: Duplicate}, nil
	} else if err != sql.ErrNoRows {
		return Result{}, err
	}

	used, err := s.usedPagesLocked()
	if err != nil {
		return Result{}, err
	}
	if s.maxPages > 0 && used >= s.maxPages {
		return Result{Outcome: Rejected, Reason: ErrStorageFull.Error()}, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (hash, account, namespace, data, timestamp_ms, expiry_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Hash, []byte(msg.Account), int64(msg.Namespace), msg.Data, msg.TimestampMS, msg.ExpiryMS,
	)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Stored}, nil
}

// BulkStore stores each message independently: a rejection of one item
// does not roll back the others.
func (s *Store) BulkStore(msgs []message.Message, onDuplicate OnDuplicate) ([]Result, error) {
	out := make([]Result, len(msgs))
	for i, m := range msgs {
		r, err := s.Store(m, onDuplicate)
		if err != nil {
			return out, err
		}
		out[i] = r
	}
	return out, nil
}

// RetrieveOptions configures Retrieve. A nil Namespace retrieves across
// all namespaces for the account.
type RetrieveOptions struct {
	Namespace *message.Namespace
	LastHash  string
	Limit     int
}

// Retrieve returns messages for acct ordered ascending by
// (timestamp_ms, hash); LastHash, if present in the store, is an
// exclusive lower bound translated to its rowid so the comparison is
// stable even across rows sharing a timestamp_ms.
func (s *Store) Retrieve(acct account.Pubkey, opts RetrieveOptions) ([]message.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var afterRowID int64 = -1
	if opts.LastHash != "" {
		var rowID int64
		err := s.db.QueryRow("SELECT rowid FROM messages WHERE hash = ?", opts.LastHash).Scan(&rowID)
		if err == nil {
			afterRowID = rowID
		} else if err != sql.ErrNoRows {
			return nil, err
		}
	}

	query := `SELECT hash, account, namespace, data, timestamp_ms, expiry_ms, rowid FROM messages WHERE account = ?`
	args := []any{[]byte(acct)}
	if opts.Namespace != nil {
		query += " AND namespace = ?"
		args = append(args, int64(*opts.Namespace))
	}
	if afterRowID >= 0 {
		query += ` AND rowid > (SELECT rowid FROM messages WHERE hash = ?)`
		args = append(args, opts.LastHash)
	}
	query += " ORDER BY timestamp_ms ASC, hash ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var acctBytes []byte
		var rowID int64
		if err := rows.Scan(&m.Hash, &acctBytes, &m.Namespace, &m.Data, &m.TimestampMS, &m.ExpiryMS, &rowID); err != nil {
			return nil, err
		}
		m.Account = account.Pubkey(acctBytes)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RetrieveByHash looks up a single message by its content hash.
func (s *Store) RetrieveByHash(hash string) (message.Message, bool, error) {
	var m message.Message
	var acctBytes []byte
	err := s.db.QueryRow(
		"SELECT hash, account, namespace, data, timestamp_ms, expiry_ms FROM messages WHERE hash = ?", hash,
	).Scan(&m.Hash, &acctBytes, &m.Namespace, &m.Data, &m.TimestampMS, &m.ExpiryMS)
	if err == sql.ErrNoRows {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, err
	}
	m.Account = account.Pubkey(acctBytes)
	return m, true, nil
}

// Random returns an arbitrary live row, for diagnostic use.
func (s *Store) Random() (message.Message, bool, error) {
	var m message.Message
	var acctBytes []byte
	err := s.db.QueryRow(
		"SELECT hash, account, namespace, data, timestamp_ms, expiry_ms FROM messages ORDER BY RANDOM() LIMIT 1",
	).Scan(&m.Hash, &acctBytes, &m.Namespace, &m.Data, &m.TimestampMS, &m.ExpiryMS)
	if err == sql.ErrNoRows {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, err
	}
	m.Account = account.Pubkey(acctBytes)
	return m, true, nil
}

// CleanExpired removes every row whose expiry_ms has passed as of
// nowWall, returning the number of rows removed. Idempotent and safe to
// call concurrently with Store/Retrieve.
func (s *Store) CleanExpired(nowWall time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE expiry_ms <= ?", nowWall.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByHash removes the named hashes for acct, returning the subset
// that actually existed and belonged to acct.
func (s *Store) DeleteByHash(acct account.Pubkey, hashes []string) ([]string, error) {
	var deleted []string
	for _, h := range hashes {
		res, err := s.db.Exec("DELETE FROM messages WHERE hash = ? AND account = ?", h, []byte(acct))
		if err != nil {
			return deleted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, h)
		}
	}
	return deleted, nil
}

// DeleteBefore removes every message for acct with timestamp_ms < beforeMS.
func (s *Store) DeleteBefore(acct account.Pubkey, beforeMS int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE account = ? AND timestamp_ms < ?", []byte(acct), beforeMS)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAll removes every message belonging to acct.
func (s *Store) DeleteAll(acct account.Pubkey) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE account = ?", []byte(acct))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateExpiry sets a new expiry_ms on the named hashes for acct,
// returning the subset actually updated.
func (s *Store) UpdateExpiry(acct account.Pubkey, hashes []string, newExpiryMS int64) ([]string, error) {
	var updated []string
	for _, h := range hashes {
		res, err := s.db.Exec("UPDATE messages SET expiry_ms = ? WHERE hash = ? AND account = ?", newExpiryMS, h, []byte(acct))
		if err != nil {
			return updated, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated = append(updated, h)
		}
	}
	return updated, nil
}

// GetExpiries returns the current expiry_ms for each hash in hashes that
// belongs to acct.
func (s *Store) GetExpiries(acct account.Pubkey, hashes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(hashes))
	for _, h := range hashes {
		var expiry int64
		err := s.db.QueryRow("SELECT expiry_ms FROM messages WHERE hash = ? AND account = ?", h, []byte(acct)).Scan(&expiry)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return out, err
		}
		out[h] = expiry
	}
	return out, nil
}
