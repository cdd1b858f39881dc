// Package memory provides long-term vector memory and the chat log.
//
// Memories are scoped: each user has a private scope keyed by their
// opaque user ID, and GlobalScope holds facts shared across all users
// (the agent's identity, system rules). Embeddings are stored as
// little-endian float32 blobs and ranked by cosine similarity at query
// time; corpus sizes here are small enough that a linear scan inside
// SQLite rows beats running a separate vector database.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jonahgcarpenter/oswald-ai/internal/embeddings"
)

// GlobalScope is the shared scope for facts visible to every user.
const GlobalScope = "global"

// Store is a SQLite-backed memory and chat log store.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
}

// Entry is a stored memory with its retrieval score.
type Entry struct {
	ID        string
	Scope     string
	Content   string
	Score     float32
	CreatedAt time.Time
}

// Open creates a store backed by the SQLite file at dbPath.
func Open(dbPath string, embedder embeddings.Embedder) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);

	CREATE TABLE IF NOT EXISTS chat_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		safe_queries TEXT,
		unsafe_queries TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_logs_user ON chat_logs(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a memory under the given scope.
func (s *Store) Add(ctx context.Context, scope, text string) error {
	if scope == "" {
		return fmt.Errorf("memory scope is required")
	}

	vec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, scope, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), scope, text, vecToBlob(vec), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Search returns the k most similar memories in the scope, best first.
// An empty result is not an error.
func (s *Store) Search(ctx context.Context, scope, query string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 5
	}

	queryVec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, content, embedding, created_at FROM memories WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		if err := rows.Scan(&e.ID, &e.Scope, &e.Content, &blob, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.Score = embeddings.CosineSimilarity(queryVec, blobToVec(blob))
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > k {
		entries = entries[:k]
	}

	// Retrieval freshness, best effort.
	now := time.Now().UTC()
	for _, e := range entries {
		s.db.ExecContext(ctx, `UPDATE memories SET last_accessed_at = ? WHERE id = ?`, now, e.ID)
	}

	return entries, nil
}

// vecToBlob encodes a float32 vector as little-endian bytes.
func vecToBlob(vec []float32) []byte {
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(v))
	}
	return blob
}

// blobToVec decodes a little-endian float32 blob. Truncated trailing
// bytes are ignored.
func blobToVec(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec
}
