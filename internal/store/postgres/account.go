package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pubplane/internal/store"
)

// UpsertAccount inserts or updates an account record. The Busy flag is
// runtime state and is not persisted.
func (s *Store) UpsertAccount(ctx context.Context, tx store.DBTransaction, account *store.Account) error {
	query := `
		INSERT INTO accounts (id, status, health, last_used, cooldown_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, health = EXCLUDED.health,
			last_used = EXCLUDED.last_used, cooldown_until = EXCLUDED.cooldown_until
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		account.ID,
		string(account.Status),
		account.Health,
		nullTime(account.LastUsed),
		nullTime(account.CooldownUntil),
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", account.ID, err)
	}
	return nil
}

// GetAccount returns an account by its ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	query := "SELECT id, status, health, last_used, cooldown_until FROM accounts WHERE id = $1"
	return scanAccount(s.db.QueryRowContext(ctx, query, id))
}

// ListAccounts returns all known accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	query := "SELECT id, status, health, last_used, cooldown_until FROM accounts ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*store.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*store.Account, error) {
	var acct store.Account
	var status string
	var lastUsed, cooldownUntil sql.NullTime
	if err := row.Scan(&acct.ID, &status, &acct.Health, &lastUsed, &cooldownUntil); err != nil {
		return nil, err
	}
	acct.Status = store.AccountStatus(status)
	if lastUsed.Valid {
		acct.LastUsed = lastUsed.Time
	}
	if cooldownUntil.Valid {
		acct.CooldownUntil = cooldownUntil.Time
	}
	return &acct, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
