package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
)

// AuditService writes immutable audit trail entries for account and ledger
// state transitions.
type AuditService struct {
	now func() time.Time
}

func NewAuditService() *AuditService {
	return &AuditService{now: time.Now}
}

// Write stores a single immutable audit record inside the caller's
// transaction scope.
func (s *AuditService) Write(ctx context.Context, q Queries, entityType string, entityID uuid.UUID, action, prevState, nextState string, metadata []byte) error {
	if err := q.InsertAuditLog(ctx, models.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		PrevState:  prevState,
		NextState:  nextState,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
