// Package dbrepo implements the accounts/characters repository backing
// PersistenceWorker's batched writes (spec.md §6).
package dbrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"muruntime/internal/domain"
)

// conn is the pgx surface the repository needs. *pgxpool.Pool satisfies it
// directly; pgxmock's mocked pool satisfies the identical method set,
// letting tests substitute a mock without a build-tag split.
type conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CharacterRecord is one row of the characters table.
type CharacterRecord struct {
	CharacterID       domain.CharacterID
	AccountID         domain.AccountID
	CriticalFields    json.RawMessage
	NonCriticalFields json.RawMessage
	UpdatedAt         time.Time
}

// Repo is the pgx-backed accounts/characters repository.
type Repo struct {
	db     conn
	closer func()
}

// Open connects a pgx connection pool to dsn.
func Open(ctx context.Context, dsn string) (*Repo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("dbrepo_open_failed").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("dbrepo_ping_failed").Wrap(err)
	}
	return &Repo{db: pool, closer: pool.Close}, nil
}

// newWithConn is used by tests to substitute a pgxmock connection for the
// real pool.
func newWithConn(db conn) *Repo {
	return &Repo{db: db, closer: func() {}}
}

// Close releases the pool.
func (r *Repo) Close() {
	r.closer()
}

// AuthorizedCharacterIDs returns every character_id owned by accountID in
// the characters table. The runtime's Hello handling does not call it: a
// HelloAck's authorized_character_ids come from the AuthToken's claims.
func (r *Repo) AuthorizedCharacterIDs(ctx context.Context, accountID domain.AccountID) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT character_id FROM characters WHERE account_id = $1`, string(accountID))
	if err != nil {
		return nil, oops.Code("dbrepo_query_failed").With("account_id", accountID).Wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, oops.Code("dbrepo_scan_failed").Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, oops.Code("dbrepo_rows_failed").Wrap(rows.Err())
}

// UpsertCharacterBatch implements PersistenceWorker's batched write: one
// statement per row inside a transaction, upserting non_critical_snapshot
// and updated_at (spec.md §6: "characters(...) — upserted in batches").
func (r *Repo) UpsertCharacterBatch(ctx context.Context, records []CharacterRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return oops.Code("dbrepo_begin_failed").Wrap(err)
	}
	defer tx.Rollback(ctx)

	const stmt = `
		INSERT INTO characters (character_id, account_id, non_critical_snapshot, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (character_id) DO UPDATE
		SET non_critical_snapshot = EXCLUDED.non_critical_snapshot,
		    updated_at = EXCLUDED.updated_at`

	for _, rec := range records {
		if _, err := tx.Exec(ctx, stmt, string(rec.CharacterID), string(rec.AccountID), rec.NonCriticalFields, rec.UpdatedAt); err != nil {
			return oops.Code("dbrepo_upsert_failed").With("character_id", rec.CharacterID).Wrap(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("dbrepo_commit_failed").Wrap(err)
	}
	return nil
}

// UpsertCriticalFields writes a character's critical (inventory, currency,
// trade state) fields as part of the UC-11 commit protocol, after the WAL
// record for the same event_id has already been durably begun.
func (r *Repo) UpsertCriticalFields(ctx context.Context, characterID domain.CharacterID, critical json.RawMessage) error {
	const stmt = `
		UPDATE characters
		SET critical_fields = $2, updated_at = now()
		WHERE character_id = $1`
	tag, err := r.db.Exec(ctx, stmt, string(characterID), critical)
	if err != nil {
		return oops.Code("dbrepo_critical_update_failed").With("character_id", characterID).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("dbrepo_character_not_found").With("character_id", characterID).Errorf("no row updated")
	}
	return nil
}

// UpsertCriticalFieldsPair writes both sides of a two-party critical
// transaction (a trade or item move between two characters) inside a
// single DB transaction, so a crash between debiting one character and
// crediting the other is impossible to observe: either both rows change or
// neither does.
func (r *Repo) UpsertCriticalFieldsPair(ctx context.Context, aID domain.CharacterID, aCritical json.RawMessage, bID domain.CharacterID, bCritical json.RawMessage) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return oops.Code("dbrepo_begin_failed").Wrap(err)
	}
	defer tx.Rollback(ctx)

	const stmt = `
		UPDATE characters
		SET critical_fields = $2, updated_at = now()
		WHERE character_id = $1`

	sides := [2]struct {
		characterID domain.CharacterID
		critical    json.RawMessage
	}{{aID, aCritical}, {bID, bCritical}}

	for _, side := range sides {
		tag, err := tx.Exec(ctx, stmt, string(side.characterID), side.critical)
		if err != nil {
			return oops.Code("dbrepo_critical_pair_update_failed").With("character_id", side.characterID).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return oops.Code("dbrepo_character_not_found").With("character_id", side.characterID).Errorf("no row updated")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("dbrepo_commit_failed").Wrap(err)
	}
	return nil
}

// Migrate creates the characters table if it does not already exist. It is
// idempotent and safe to run against a live database on every deploy.
func (r *Repo) Migrate(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS characters (
			character_id           TEXT PRIMARY KEY,
			account_id             TEXT NOT NULL,
			critical_fields        JSONB NOT NULL DEFAULT '{}',
			non_critical_snapshot  JSONB NOT NULL DEFAULT '{}',
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS characters_account_id_idx ON characters (account_id);`
	if _, err := r.db.Exec(ctx, stmt); err != nil {
		return oops.Code("dbrepo_migrate_failed").Wrap(err)
	}
	return nil
}
