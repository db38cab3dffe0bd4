package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clickstock/internal/domain"
)

// AuditRepo appends audit-log rows for callers whose services do not embed
// auditing in their own repository, such as the manual job endpoints.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit writer.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Record(ctx context.Context, entry *domain.AuditEntry) error {
	return insertAuditEntry(ctx, r.db, entry)
}

func insertAuditEntry(ctx context.Context, e execer, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	detail := entry.Detail
	if detail == "" {
		detail = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, action, entity, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.TenantID, entry.Action, entry.Entity, entry.EntityID,
		detail, createdAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
