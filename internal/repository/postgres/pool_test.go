package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/produce"
)

func TestHighestPriorityLinkNone(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM affiliate_links").
		WithArgs("t1", "c1").
		WillReturnError(sql.ErrNoRows)

	repo := NewPoolRepo(db)
	_, err := repo.HighestPriorityLink(context.Background(), "t1", "c1")
	if !errors.Is(err, produce.ErrNoEnabledLink) {
		t.Errorf("err = %v, want ErrNoEnabledLink", err)
	}
}

func TestStoreProductionWithUsage(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	item := &domain.PoolItem{
		ID:             "i0000000-0000-0000-0000-000000000001",
		TenantID:       "t1",
		CampaignID:     "c1",
		FinalURLSuffix: "gclid=abc&tag=x",
		ExitIP:         "203.0.113.9",
		SourceLinkID:   "l0000000-0000-0000-0000-000000000001",
		Status:         domain.PoolAvailable,
		CreatedAt:      now,
	}
	usage := &domain.IPUsage{
		ID: "u0000000-0000-0000-0000-000000000001", TenantID: "t1",
		CampaignID: "c1", ExitIP: "203.0.113.9", UsedAt: now,
	}
	entry := &domain.AuditEntry{
		ID: "e0000000-0000-0000-0000-000000000001", TenantID: "t1",
		Action: "pool_item.produced", Entity: "pool_item", EntityID: item.ID,
		Detail: `{"suffix":"gclid=abc&tag=x"}`, CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pool_items").
		WithArgs(item.ID, "t1", "c1", "gclid=abc&tag=x", "203.0.113.9",
			"l0000000-0000-0000-0000-000000000001", "available", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ip_usage").
		WithArgs(usage.ID, "t1", "c1", "203.0.113.9", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPoolRepo(db)
	if err := repo.StoreProduction(context.Background(), item, usage, entry); err != nil {
		t.Fatalf("StoreProduction() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreProductionWithoutUsage(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	item := &domain.PoolItem{
		ID:             "i0000000-0000-0000-0000-000000000002",
		TenantID:       "t1",
		CampaignID:     "c1",
		FinalURLSuffix: "mock=1&nonce=abcdef",
		SourceLinkID:   "l0000000-0000-0000-0000-000000000001",
		Status:         domain.PoolAvailable,
		CreatedAt:      now,
	}

	// No ip_usage exec expected between the pool insert and the audit row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pool_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPoolRepo(db)
	err := repo.StoreProduction(context.Background(), item, nil, &domain.AuditEntry{
		TenantID: "t1", Action: "pool_item.produced", Entity: "pool_item",
		EntityID: item.ID, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("StoreProduction() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreProductionRollsBackOnAuditFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pool_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	repo := NewPoolRepo(db)
	err := repo.StoreProduction(context.Background(), &domain.PoolItem{
		ID: "i1", TenantID: "t1", CampaignID: "c1", FinalURLSuffix: "a=1",
		SourceLinkID: "l1", Status: domain.PoolAvailable, CreatedAt: now,
	}, nil, &domain.AuditEntry{TenantID: "t1", Action: "pool_item.produced", CreatedAt: now})
	if err == nil {
		t.Fatal("StoreProduction() should fail when the audit insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
