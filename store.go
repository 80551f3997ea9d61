package offline

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Store families. Each is suffixed with the engine version token to form the
// actual store name, so bumping the token retires an entire generation.
const (
	StoreStatic  = "static"
	StoreDynamic = "dynamic"
	StoreAPI     = "api"
)

var (
	// ErrCacheMiss is returned when a store has no entry for a request key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotCacheable is returned when a response to a non-safe request is
	// offered for storage. Only GET responses are ever written.
	ErrNotCacheable = errors.New("response is not cacheable")

	// ErrClosed is returned after the registry has been closed.
	ErrClosed = errors.New("registry is closed")
)

// StoredResponse is the persisted form of an answered request.
type StoredResponse struct {
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	InsertedAt time.Time   `json:"inserted_at"`
}

// CacheEntry pairs a request key with its stored response inside one store.
type CacheEntry struct {
	Store    string         `json:"store"`
	Key      string         `json:"key"`
	Response StoredResponse `json:"response"`
}

// RequestKey derives the cache identity of a request: method, full URL
// including query string, and the content-negotiation headers that
// differentiate stored variants.
func RequestKey(req *http.Request) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteByte(' ')
	sb.WriteString(req.URL.String())
	if accept := req.Header.Get("Accept"); accept != "" {
		sb.WriteString("|accept=")
		sb.WriteString(accept)
	}
	if lang := req.Header.Get("Accept-Language"); lang != "" {
		sb.WriteString("|lang=")
		sb.WriteString(lang)
	}
	return sb.String()
}

// RegistryConfig configures the cache registry.
type RegistryConfig struct {
	// Path to the SQLite database file
	Path string

	// Version is the store generation token
	Version string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// Encryption configures encryption at rest for stored bodies
	Encryption *EncryptionConfig
}

// Registry manages the named, versioned persistent stores all other engine
// components build on. One SQLite database holds every store generation plus
// the offline action queue and lifecycle state, so the engine owns no
// authoritative in-memory state.
type Registry struct {
	db      *sql.DB
	version string
	enc     *Encryptor
	mu      sync.RWMutex
	closed  bool

	putStmt    *sql.Stmt
	getStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// OpenRegistry opens (creating if necessary) the engine's durable store.
func OpenRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Path == "" {
		cfg.Path = "offline.db"
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)

	r := &Registry{
		db:      db,
		version: cfg.Version,
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := r.initEncryption(cfg.Encryption); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	if err := r.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
		-- Request/response cache, one row per (store, request key)
		CREATE TABLE IF NOT EXISTS cache_entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			headers TEXT NOT NULL,
			body BLOB,
			inserted_at INTEGER NOT NULL,
			PRIMARY KEY (store, key)
		);

		-- Failed mutations awaiting replay
		CREATE TABLE IF NOT EXISTS offline_actions (
			id TEXT PRIMARY KEY,
			request_key TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'pending'
		);

		-- Lifecycle and engine metadata surviving process teardown
		CREATE TABLE IF NOT EXISTS engine_state (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_store ON cache_entries(store);
		CREATE INDEX IF NOT EXISTS idx_actions_state ON offline_actions(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_actions_url ON offline_actions(url);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *Registry) initEncryption(cfg *EncryptionConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	var salt []byte
	stored, err := r.stateGet(context.Background(), "encryption_salt")
	if err != nil {
		return err
	}
	if stored != "" {
		salt, err = hex.DecodeString(stored)
		if err != nil {
			return fmt.Errorf("corrupt encryption salt: %w", err)
		}
	}

	enc, err := NewEncryptor(cfg, salt)
	if err != nil {
		return err
	}
	r.enc = enc

	if stored == "" {
		return r.stateSet(context.Background(), "encryption_salt", hex.EncodeToString(enc.Salt()))
	}
	return nil
}

func (r *Registry) prepareStatements() error {
	var err error

	r.putStmt, err = r.db.Prepare(`
		INSERT OR REPLACE INTO cache_entries (store, key, status, headers, body, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}

	r.getStmt, err = r.db.Prepare(`
		SELECT status, headers, body, inserted_at FROM cache_entries WHERE store = ? AND key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	r.deleteStmt, err = r.db.Prepare(`DELETE FROM cache_entries WHERE store = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	r.keysStmt, err = r.db.Prepare(`SELECT key FROM cache_entries WHERE store = ? ORDER BY key`)
	if err != nil {
		return fmt.Errorf("failed to prepare keys statement: %w", err)
	}

	return nil
}

// Version returns the current store generation token.
func (r *Registry) Version() string {
	return r.version
}

// StoreName returns the versioned name of a store family, e.g. "api-v3".
func (r *Registry) StoreName(family string) string {
	return family + "-" + r.version
}

// AllowedStores returns the store names permitted after activation of the
// current generation.
func (r *Registry) AllowedStores() []string {
	return []string{
		r.StoreName(StoreStatic),
		r.StoreName(StoreDynamic),
		r.StoreName(StoreAPI),
	}
}

func (r *Registry) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a response under a request key. Only safe (GET) request keys are
// accepted; a repeated key overwrites the previous entry (last writer wins).
func (r *Registry) Put(ctx context.Context, store, key string, resp StoredResponse) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if !strings.HasPrefix(key, http.MethodGet+" ") {
		return ErrNotCacheable
	}

	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	body, err := r.sealBody(resp.Body)
	if err != nil {
		return err
	}

	insertedAt := resp.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now()
	}

	_, err = r.putStmt.ExecContext(ctx, store, key, resp.Status, headers, body, insertedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Get retrieves a stored response. Returns ErrCacheMiss when absent.
func (r *Registry) Get(ctx context.Context, store, key string) (StoredResponse, error) {
	if err := r.checkOpen(); err != nil {
		return StoredResponse{}, err
	}

	var (
		status     int
		headersRaw []byte
		body       []byte
		insertedAt int64
	)
	err := r.getStmt.QueryRowContext(ctx, store, key).Scan(&status, &headersRaw, &body, &insertedAt)
	if err == sql.ErrNoRows {
		return StoredResponse{}, ErrCacheMiss
	}
	if err != nil {
		return StoredResponse{}, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var headers http.Header
	if err := json.Unmarshal(headersRaw, &headers); err != nil {
		return StoredResponse{}, fmt.Errorf("corrupt cache entry headers: %w", err)
	}

	plain, err := r.openBody(body)
	if err != nil {
		return StoredResponse{}, err
	}

	return StoredResponse{
		Status:     status,
		Headers:    headers,
		Body:       plain,
		InsertedAt: time.Unix(0, insertedAt),
	}, nil
}

// PutBatch writes a set of entries to one store in a single transaction.
// Either every entry lands or none do. Install-time precache depends on this
// to never leave a partial static store behind.
func (r *Registry) PutBatch(ctx context.Context, store string, entries map[string]StoredResponse) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, r.putStmt)
	for key, resp := range entries {
		if !strings.HasPrefix(key, http.MethodGet+" ") {
			return ErrNotCacheable
		}
		headers, err := json.Marshal(resp.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		body, err := r.sealBody(resp.Body)
		if err != nil {
			return err
		}
		insertedAt := resp.InsertedAt
		if insertedAt.IsZero() {
			insertedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, store, key, resp.Status, headers, body, insertedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to write cache entry: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes one entry from a store.
func (r *Registry) Delete(ctx context.Context, store, key string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if _, err := r.deleteStmt.ExecContext(ctx, store, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Keys returns the request keys present in a store.
func (r *Registry) Keys(ctx context.Context, store string) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.keysStmt.QueryContext(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Entries returns every entry of one store, decoded.
func (r *Registry) Entries(ctx context.Context, store string) ([]CacheEntry, error) {
	keys, err := r.Keys(ctx, store)
	if err != nil {
		return nil, err
	}

	entries := make([]CacheEntry, 0, len(keys))
	for _, key := range keys {
		resp, err := r.Get(ctx, store, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, CacheEntry{Store: store, Key: key, Response: resp})
	}
	return entries, nil
}

// StoreNames enumerates every store present in the database, current
// generation or not.
func (r *Registry) StoreNames(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT store FROM cache_entries ORDER BY store`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropStore removes every entry of one store.
func (r *Registry) DropStore(ctx context.Context, store string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, store); err != nil {
		return fmt.Errorf("failed to drop store %s: %w", store, err)
	}
	return nil
}

// PurgeExcept drops every store whose name is not in allowed, returning the
// names it removed. Used on activation to retire prior generations.
func (r *Registry) PurgeExcept(ctx context.Context, allowed []string) ([]string, error) {
	names, err := r.StoreNames(ctx)
	if err != nil {
		return nil, err
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}

	var purged []string
	for _, name := range names {
		if _, ok := allowedSet[name]; ok {
			continue
		}
		if err := r.DropStore(ctx, name); err != nil {
			return purged, err
		}
		purged = append(purged, name)
	}
	return purged, nil
}

// RegistryStats describes store sizes.
type RegistryStats struct {
	Stores map[string]StoreStats `json:"stores"`
}

// StoreStats describes one store.
type StoreStats struct {
	Entries   int64 `json:"entries"`
	BodyBytes int64 `json:"body_bytes"`
}

// Stats returns per-store entry counts and body sizes.
func (r *Registry) Stats(ctx context.Context) (RegistryStats, error) {
	if err := r.checkOpen(); err != nil {
		return RegistryStats{}, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT store, COUNT(*), COALESCE(SUM(LENGTH(body)), 0)
		FROM cache_entries GROUP BY store
	`)
	if err != nil {
		return RegistryStats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := RegistryStats{Stores: make(map[string]StoreStats)}
	for rows.Next() {
		var (
			name string
			s    StoreStats
		)
		if err := rows.Scan(&name, &s.Entries, &s.BodyBytes); err != nil {
			return RegistryStats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Stores[name] = s
	}
	return stats, rows.Err()
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, stmt := range []*sql.Stmt{r.putStmt, r.getStmt, r.deleteStmt, r.keysStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return r.db.Close()
}

// sealBody compresses and, when configured, encrypts a stored body.
func (r *Registry) sealBody(body []byte) ([]byte, error) {
	out := snappy.Encode(nil, body)
	if r.enc != nil {
		var err error
		out, err = r.enc.Encrypt(out)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt body: %w", err)
		}
	}
	return out, nil
}

// openBody reverses sealBody.
func (r *Registry) openBody(sealed []byte) ([]byte, error) {
	data := sealed
	if r.enc != nil {
		var err error
		data, err = r.enc.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt body: %w", err)
		}
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return out, nil
}

// stateGet reads one engine_state value; empty string when unset.
func (r *Registry) stateGet(ctx context.Context, name string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read engine state %s: %w", name, err)
	}
	return value, nil
}

// stateSet writes one engine_state value.
func (r *Registry) stateSet(ctx context.Context, name, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engine_state (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("failed to write engine state %s: %w", name, err)
	}
	return nil
}
