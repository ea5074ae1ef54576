package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/internal/observability"
	"github.com/calder-ai/steward/pkg/tool"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// EntryKind distinguishes what a memory entry records.
type EntryKind string

const (
	KindToolUsage EntryKind = "tool_usage"
	KindNote      EntryKind = "note"
)

// Entry is one recallable memory item.
type Entry struct {
	ID        string    `json:"id"`
	Kind      EntryKind `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	Question  string    `json:"question"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchOptions configures recall.
type SearchOptions struct {
	Limit         int
	Kind          EntryKind // optional filter
	UserID        string    // optional filter
	VectorWeight  float64
	KeywordWeight float64
}

// Store is the sqlite-vec backed agent memory.
type Store struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   zerolog.Logger
	mu       sync.Mutex
}

// StoreConfig configures a Store.
type StoreConfig struct {
	DBPath   string
	Embedder EmbeddingProvider // optional; nil disables vector search
	Logger   zerolog.Logger
}

// NewStore opens (and migrates) the memory database.
func NewStore(cfg StoreConfig) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: cfg.Embedder,
		logger:   cfg.Logger.With().Str("component", "memory").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Bool("vector_search", cfg.Embedder != nil).Msg("Memory store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT,
			question TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
		CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			entry_id UNINDEXED,
			text,
			tokenize='porter unicode61'
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				entry_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())

		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordToolUsage stores one successful tool execution so similar questions
// can recall which tool answered them.
func (s *Store) RecordToolUsage(ctx context.Context, userID, question string, call tool.Call, result tool.Result) error {
	argsJSON, err := json.Marshal(call.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal tool args: %w", err)
	}

	content := fmt.Sprintf("tool %s(%s) -> %s", call.Name, string(argsJSON), result.ResultForLLM)

	return s.insertEntry(ctx, Entry{
		ID:       uuid.NewString(),
		Kind:     KindToolUsage,
		UserID:   userID,
		Question: question,
		Content:  content,
		ToolName: call.Name,
	})
}

// IndexNote stores (or replaces) a note identified by its id, typically a
// file path.
func (s *Store) IndexNote(ctx context.Context, id, title, body string) error {
	if err := s.RemoveEntry(ctx, id); err != nil {
		return err
	}
	return s.insertEntry(ctx, Entry{
		ID:       id,
		Kind:     KindNote,
		Question: title,
		Content:  body,
	})
}

func (s *Store) insertEntry(ctx context.Context, e Entry) error {
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (id, kind, user_id, question, content, tool_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.UserID, e.Question, e.Content, e.ToolName, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	searchText := e.Question + " " + e.Content
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries_fts (entry_id, text) VALUES (?, ?)`,
		e.ID, searchText,
	); err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}

	if s.embedder != nil {
		embedding, err := s.embedder.GenerateEmbedding(ctx, searchText)
		if err != nil {
			// Keyword search still works without the vector; log and move on.
			s.logger.Warn().Err(err).Msg("Failed to embed entry")
		} else {
			embeddingJSON, err := json.Marshal(embedding)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO embeddings (entry_id, embedding) VALUES (?, ?)`,
				e.ID, string(embeddingJSON),
			); err != nil {
				return fmt.Errorf("failed to insert embedding: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}

	s.updateEntryGauge(ctx)
	return nil
}

// RemoveEntry deletes an entry and its index rows. Unknown ids are a no-op.
func (s *Store) RemoveEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entry index: %w", err)
	}
	if s.embedder != nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE entry_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete entry embedding: %w", err)
		}
	}
	return nil
}

// Search performs hybrid recall over stored entries.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Entry, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if query == "" {
		return []Entry{}, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = 0.7
		opts.KeywordWeight = 0.3
	}

	scores := map[string]float64{}

	if s.embedder != nil {
		vectorScores, err := s.vectorSearch(ctx, query, 100)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Vector search failed, using keyword only")
		} else {
			for id, score := range vectorScores {
				scores[id] += score * opts.VectorWeight
			}
		}
	}

	keywordScores, err := s.keywordSearch(ctx, query, 100)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Keyword search failed")
		if len(scores) == 0 {
			return nil, fmt.Errorf("search failed: %w", err)
		}
	} else {
		for id, score := range keywordScores {
			scores[id] += score * opts.KeywordWeight
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })

	results := []Entry{}
	for _, id := range ids {
		if len(results) >= opts.Limit {
			break
		}

		entry, err := s.getEntry(ctx, id)
		if err != nil {
			continue
		}
		if opts.Kind != "" && entry.Kind != opts.Kind {
			continue
		}
		if opts.UserID != "" && entry.UserID != "" && entry.UserID != opts.UserID {
			continue
		}

		entry.Score = scores[id]
		results = append(results, *entry)
	}

	return results, nil
}

// SearchSimilarUsage recalls tool usage recorded for similar questions from
// the same user.
func (s *Store) SearchSimilarUsage(ctx context.Context, userID, question string, limit int) ([]Entry, error) {
	return s.Search(ctx, question, SearchOptions{
		Limit:  limit,
		Kind:   KindToolUsage,
		UserID: userID,
	})
}

// vectorSearch returns entry id -> normalized similarity in [0, 1].
func (s *Store) vectorSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	embedding, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := map[string]float64{}
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// cosine distance [0, 2] -> similarity [0, 1]
		scores[id] = 1.0 - distance/2.0
	}
	return scores, rows.Err()
}

// keywordSearch returns entry id -> normalized BM25 score in [0, 1].
func (s *Store) keywordSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, bm25(entries_fts) AS score
		FROM entries_fts
		WHERE entries_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw := map[string]float64{}
	maxScore := 0.0
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative; flip them positive.
		raw[id] = -score
		if -score > maxScore {
			maxScore = -score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxScore > 0 {
		for id := range raw {
			raw[id] /= maxScore
		}
	}
	return raw, nil
}

func (s *Store) getEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	var kind string
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(user_id, ''), question, content, COALESCE(tool_name, ''), created_at
		FROM entries WHERE id = ?
	`, id).Scan(&e.ID, &kind, &e.UserID, &e.Question, &e.Content, &e.ToolName, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Kind = EntryKind(kind)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count)
	return count, err
}

func (s *Store) updateEntryGauge(ctx context.Context) {
	if count, err := s.Count(ctx); err == nil {
		observability.SetMemoryEntries(count)
	}
}
