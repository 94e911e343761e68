package interfaces

import (
	"context"

	"github.com/m-mizutani/proofgate/pkg/model"
)

// AuditSink receives every terminal admission decision. Failures are logged
// and never change the decision.
type AuditSink interface {
	RecordDecision(ctx context.Context, entry *model.AuditEntry) error
}
