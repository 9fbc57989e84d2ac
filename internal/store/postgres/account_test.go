package postgres

import (
	"context"
	"testing"
	"time"

	"pubplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertAccount_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().Truncate(time.Second)
	acct := &store.Account{
		ID:       "studio-01",
		Status:   store.AccountStatusActive,
		Health:   80,
		LastUsed: now,
	}

	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("studio-01", "active", 80, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertAccount(context.Background(), nil, acct); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetAccount_NullTimestamps(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	cols := []string{"id", "status", "health", "last_used", "cooldown_until"}
	mock.ExpectQuery(`SELECT id, status, health, last_used, cooldown_until FROM accounts WHERE id = \$1`).
		WithArgs("studio-01").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("studio-01", "active", 100, nil, nil))

	acct, err := s.GetAccount(context.Background(), "studio-01")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Health != 100 {
		t.Errorf("got health %d, want 100", acct.Health)
	}
	if !acct.LastUsed.IsZero() || !acct.CooldownUntil.IsZero() {
		t.Error("null timestamps decoded as non-zero times")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListAccounts_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().Truncate(time.Second)
	cols := []string{"id", "status", "health", "last_used", "cooldown_until"}
	mock.ExpectQuery(`SELECT id, status, health, last_used, cooldown_until FROM accounts ORDER BY id ASC`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("studio-01", "active", 100, now, nil).
			AddRow("studio-02", "cooldown", 30, now, now.Add(10*time.Minute)))

	accounts, err := s.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[1].Status != store.AccountStatusCooldown {
		t.Errorf("got status %s, want cooldown", accounts[1].Status)
	}
	if accounts[1].CooldownUntil.IsZero() {
		t.Error("cooldown_until not decoded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
