package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/evchat/internal/embeddings"
)

// Chunk is a stored passage and its embedding.
type Chunk struct {
	ID        string
	Source    string
	Position  int
	Heading   string
	Content   string
	Embedding []float32
}

// Result is a chunk ranked against a query.
type Result struct {
	Chunk
	Score float32
}

// Store keeps chunks and their embeddings in SQLite. Search is a linear
// scan, which is fine for a few thousand passages.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the chunk table if needed.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate knowledge store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			position INTEGER NOT NULL,
			heading TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_source ON knowledge_chunks(source);
	`)
	return err
}

// ReplaceSource swaps every chunk of source for chunks in one
// transaction. Missing IDs are assigned.
func (s *Store) ReplaceSource(ctx context.Context, source string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE source = ?`, source); err != nil {
		return fmt.Errorf("delete %s: %w", source, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_chunks (id, source, position, heading, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, source, i, c.Heading, c.Content, encodeVector(c.Embedding), now); err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", i, source, err)
		}
	}
	return tx.Commit()
}

// Search returns the k chunks most similar to query, best first.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, position, heading, content, embedding
		FROM knowledge_chunks`)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	var vectors [][]float32
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Source, &c.Position, &c.Heading, &c.Content, &blob); err != nil {
			return nil, err
		}
		c.Embedding = decodeVector(blob)
		if len(c.Embedding) != len(query) {
			s.logger.Debug("skipping chunk with mismatched dimension",
				"id", c.ID, "source", c.Source, "dim", len(c.Embedding), "want", len(query))
			continue
		}
		chunks = append(chunks, c)
		vectors = append(vectors, c.Embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []Result
	for _, m := range embeddings.TopK(query, vectors, k) {
		results = append(results, Result{Chunk: chunks[m.Index], Score: m.Score})
	}
	return results, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&n)
	return n, err
}

// Sources lists the ingested sources with their chunk counts.
func (s *Store) Sources(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM knowledge_chunks GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
