package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/timesheet-app/workspace-sync/docstore"
)

const SyncLogsCollection = "workspace_sync_logs"

// DocumentAuditLog persists run entries to the sync log collection in one batch.
type DocumentAuditLog struct {
	col         docstore.Collection
	environment string
	now         func() time.Time
}

// NewDocumentAuditLog tags every entry with the deployment environment
// ("development" or "production").
func NewDocumentAuditLog(col docstore.Collection, environment string) *DocumentAuditLog {
	return &DocumentAuditLog{col: col, environment: environment, now: time.Now}
}

func (l *DocumentAuditLog) Flush(ctx context.Context, entries []SyncRunLog) (err error) {
	if len(entries) == 0 {
		return
	}
	var createdAt = l.now().UTC().Format(time.RFC3339Nano)
	var docs = make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		var data map[string]any
		if data, err = docstore.Encode(e); err != nil {
			return fmt.Errorf("audit log: encode %s entry: %w", e.Action, err)
		}
		data["environment"] = l.environment
		data["createdAt"] = createdAt
		docs = append(docs, data)
	}
	if _, err = l.col.AddAll(ctx, docs); err != nil {
		err = fmt.Errorf("audit log: flush %d entries: %w", len(docs), err)
	}
	return
}
