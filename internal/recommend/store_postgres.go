package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recommendations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			source TEXT NOT NULL,
			text TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			input_echo TEXT NOT NULL DEFAULT '',
			executed BOOLEAN NOT NULL DEFAULT FALSE,
			denied BOOLEAN NOT NULL DEFAULT FALSE,
			auto_approved BOOLEAN NOT NULL DEFAULT FALSE,
			final_text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_session_created
			ON recommendations (agent_id, session_id, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, session_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRecommendation(ctx context.Context, rec Recommendation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recommendations (
			id, agent_id, session_id, source, text, command, confidence, input_echo,
			executed, denied, auto_approved, final_text, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		)
		ON CONFLICT (id) DO UPDATE SET
			executed=EXCLUDED.executed,
			denied=EXCLUDED.denied,
			auto_approved=EXCLUDED.auto_approved,
			final_text=EXCLUDED.final_text,
			updated_at=EXCLUDED.updated_at`,
		rec.ID,
		rec.AgentID,
		rec.SessionID,
		string(rec.Source),
		rec.Text,
		rec.Command,
		rec.Confidence,
		rec.InputEcho,
		rec.Executed,
		rec.Denied,
		rec.AutoApproved,
		rec.FinalText,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert recommendation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecommendations(ctx context.Context, key SessionKey) ([]Recommendation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, session_id, source, text, command, confidence, input_echo,
		        executed, denied, auto_approved, final_text, created_at, updated_at
		   FROM recommendations
		  WHERE agent_id=$1 AND session_id=$2
		  ORDER BY created_at ASC`,
		key.AgentID, key.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	out := make([]Recommendation, 0, 16)
	for rows.Next() {
		var (
			rec    Recommendation
			source string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AgentID,
			&rec.SessionID,
			&source,
			&rec.Text,
			&rec.Command,
			&rec.Confidence,
			&rec.InputEcho,
			&rec.Executed,
			&rec.Denied,
			&rec.AutoApproved,
			&rec.FinalText,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		rec.Source = Source(source)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveUsage(ctx context.Context, key SessionKey, usage TokenUsage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_usage (
			agent_id, session_id, prompt_tokens, completion_tokens, total_tokens, request_count
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET
			prompt_tokens=EXCLUDED.prompt_tokens,
			completion_tokens=EXCLUDED.completion_tokens,
			total_tokens=EXCLUDED.total_tokens,
			request_count=EXCLUDED.request_count`,
		key.AgentID,
		key.SessionID,
		usage.PromptTokens,
		usage.CompletionTokens,
		usage.TotalTokens,
		usage.RequestCount,
	)
	if err != nil {
		return fmt.Errorf("upsert token usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, key SessionKey) (TokenUsage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT prompt_tokens, completion_tokens, total_tokens, request_count
		   FROM token_usage WHERE agent_id=$1 AND session_id=$2`,
		key.AgentID, key.SessionID,
	)
	var usage TokenUsage
	if err := row.Scan(
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&usage.TotalTokens,
		&usage.RequestCount,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TokenUsage{}, ErrStoreNotFound
		}
		return TokenUsage{}, fmt.Errorf("get token usage: %w", err)
	}
	return usage, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
