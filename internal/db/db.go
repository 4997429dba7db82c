package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/settings"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS joined_servers (
	discord_server_id TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	joined_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS module_state (
	discord_server_id TEXT NOT NULL,
	module            TEXT NOT NULL,
	enabled           BOOLEAN NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (discord_server_id, module)
);

CREATE TABLE IF NOT EXISTS module_settings (
	discord_server_id TEXT NOT NULL,
	module            TEXT NOT NULL,
	settings          JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (discord_server_id, module)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id                BIGSERIAL PRIMARY KEY,
	user_id           TEXT NOT NULL,
	discord_server_id TEXT NOT NULL DEFAULT '',
	action            TEXT NOT NULL,
	module            TEXT NOT NULL DEFAULT '',
	details           TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect opens the pool and creates missing tables.
func Connect(ctx context.Context, databaseURL string, log *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	log.Info("Connected to database")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) AddGuild(ctx context.Context, guildID, ownerID, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO joined_servers (discord_server_id, owner_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (discord_server_id) DO UPDATE SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name
	`, guildID, ownerID, name)
	if err != nil {
		return fmt.Errorf("add guild %s: %w", guildID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveGuild(ctx context.Context, guildID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM joined_servers WHERE discord_server_id = $1`,
		`DELETE FROM module_state WHERE discord_server_id = $1`,
		`DELETE FROM module_settings WHERE discord_server_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, guildID); err != nil {
			return fmt.Errorf("remove guild %s: %w", guildID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListGuilds(ctx context.Context) ([]JoinedServer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT discord_server_id, owner_id, name, joined_at FROM joined_servers ORDER BY joined_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var servers []JoinedServer
	for rows.Next() {
		var js JoinedServer
		if err := rows.Scan(&js.DiscordServerID, &js.OwnerID, &js.Name, &js.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		servers = append(servers, js)
	}
	return servers, rows.Err()
}

func (s *PostgresStore) ModuleEnabled(ctx context.Context, guildID, module string) (bool, bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `
		SELECT enabled FROM module_state WHERE discord_server_id = $1 AND module = $2
	`, guildID, module).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("module state %s/%s: %w", guildID, module, err)
	}
	return enabled, true, nil
}

func (s *PostgresStore) SetModuleEnabled(ctx context.Context, guildID, module string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO module_state (discord_server_id, module, enabled) VALUES ($1, $2, $3)
		ON CONFLICT (discord_server_id, module) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`, guildID, module, enabled)
	if err != nil {
		return fmt.Errorf("set module state %s/%s: %w", guildID, module, err)
	}
	return nil
}

func (s *PostgresStore) ModuleSettings(ctx context.Context, guildID, module string) (settings.Values, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT settings FROM module_settings WHERE discord_server_id = $1 AND module = $2
	`, guildID, module).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("module settings %s/%s: %w", guildID, module, err)
	}
	values := settings.Values{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode settings %s/%s: %w", guildID, module, err)
	}
	return values, nil
}

func (s *PostgresStore) SaveModuleSettings(ctx context.Context, guildID, module string, values settings.Values) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO module_settings (discord_server_id, module, settings) VALUES ($1, $2, $3)
		ON CONFLICT (discord_server_id, module) DO UPDATE SET settings = EXCLUDED.settings, updated_at = NOW()
	`, guildID, module, raw)
	if err != nil {
		return fmt.Errorf("save settings %s/%s: %w", guildID, module, err)
	}
	return nil
}

func (s *PostgresStore) AddAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (user_id, discord_server_id, action, module, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.UserID, entry.GuildID, entry.Action, entry.Module, entry.Details)
	if err != nil {
		return fmt.Errorf("add audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, discord_server_id, action, module, details, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.GuildID, &e.Action, &e.Module, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
