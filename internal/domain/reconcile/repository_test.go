package reconcile

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return NewRepository(sqlx.NewDb(raw, "postgres")), mock
}

func processed(id string) ProcessedEvent {
	plan := "pro"
	return ProcessedEvent{
		EventID:         id,
		SubjectID:       "cus_1",
		EventType:       EventSubscriptionUpdated,
		Outcome:         OutcomeApplied,
		Applied:         true,
		ResultingPlanID: &plan,
		OccurredAt:      time.Now().UTC(),
		ProcessedAt:     time.Now().UTC(),
	}
}

func TestRecordAppliesChangeInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	walletID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET plan_id")).
		WithArgs(walletID, "pro", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM event_retries")).
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.Record(context.Background(), processed("evt_1"), &AccountChange{WalletID: walletID, PlanID: "pro", Status: wallet.StatusActive})
	if err != nil || !ok {
		t.Fatalf("expected recorded, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordDuplicateRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := repo.Record(context.Background(), processed("evt_1"), &AccountChange{WalletID: uuid.New(), PlanID: "pro", Status: wallet.StatusActive})
	if err != nil || ok {
		t.Fatalf("expected duplicate without error, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordMissingWalletRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.Record(context.Background(), processed("evt_1"), &AccountChange{WalletID: uuid.New(), PlanID: "pro", Status: wallet.StatusActive})
	if !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveUnknownCustomer(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM wallets WHERE customer_id")).
		WithArgs("cus_x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.ResolveCustomer(context.Background(), "cus_x"); !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
}

func TestLastAppliedWithoutHistory(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(occurred_at)")).
		WithArgs("cus_1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	last, err := repo.LastApplied(context.Background(), "cus_1")
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero time, got %s %v", last, err)
	}
}
