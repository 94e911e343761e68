package adapter

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

// auditRow is one admission decision as streamed to BigQuery
type auditRow struct {
	UserID              string    `bigquery:"user_id"`
	MissionID           string    `bigquery:"mission_id"`
	Source              string    `bigquery:"source"`
	Status              string    `bigquery:"status"`
	Reason              string    `bigquery:"reason"`
	SavedID             string    `bigquery:"saved_id"`
	SaveError           string    `bigquery:"save_error"`
	SyntheticConfidence float64   `bigquery:"synthetic_confidence"`
	PresenceDetected    bool      `bigquery:"presence_detected"`
	DuplicateMethod     string    `bigquery:"duplicate_method"`
	DuplicateMatchedID  string    `bigquery:"duplicate_matched_id"`
	ProcessingMillis    int64     `bigquery:"processing_ms"`
	RecordedAt          time.Time `bigquery:"recorded_at"`
}

func newAuditRow(entry *model.AuditEntry) *auditRow {
	row := &auditRow{
		UserID:     entry.UserID,
		MissionID:  entry.MissionID,
		Source:     entry.Source,
		RecordedAt: entry.RecordedAt,
	}

	d := entry.Decision
	if d == nil {
		return row
	}
	row.Status = string(d.Status)
	row.Reason = string(d.Reason)
	row.SavedID = string(d.SavedID)
	row.SaveError = d.SaveError
	row.ProcessingMillis = d.ProcessingTime.Duration().Milliseconds()

	if s := d.Signals.Synthetic; s != nil {
		row.SyntheticConfidence = s.Confidence
	}
	if p := d.Signals.Presence; p != nil {
		row.PresenceDetected = p.Detected
	}
	if dup := d.Signals.Duplicate; dup != nil {
		row.DuplicateMethod = string(dup.Method)
		row.DuplicateMatchedID = string(dup.MatchedID)
	}
	return row
}

// BigQueryAudit streams admission decisions into a BigQuery table
type BigQueryAudit struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
}

// NewBigQueryAudit creates a new BigQuery audit sink on project.dataset.table
func NewBigQueryAudit(ctx context.Context, projectID, datasetID, tableID string) (*BigQueryAudit, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client", goerr.V("project_id", projectID))
	}

	return &BigQueryAudit{
		client:   client,
		inserter: client.Dataset(datasetID).Table(tableID).Inserter(),
	}, nil
}

func (a *BigQueryAudit) RecordDecision(ctx context.Context, entry *model.AuditEntry) error {
	if err := a.inserter.Put(ctx, newAuditRow(entry)); err != nil {
		return goerr.Wrap(err, "failed to insert audit row", goerr.V("user_id", entry.UserID))
	}
	return nil
}

func (a *BigQueryAudit) Close() error {
	return a.client.Close()
}
