package permkit

import (
	"context"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// dbAuditSink appends audit records to the reports table.
type dbAuditSink struct {
	db dbkit.IDB
}

// NewDBAuditSink returns an AuditSink writing to the reports table through db.
func NewDBAuditSink(db dbkit.IDB) AuditSink {
	return &dbAuditSink{db: db}
}

func (d *dbAuditSink) Record(ctx context.Context, entry *AuditEntry) error {
	_, err := d.db.NewInsert().Model(entry.ToModel()).Exec(ctx)
	return dbkit.WithErr1(err, "RecordAudit").Err()
}

// GetAuditLog retrieves audit records, newest first, with the total count of
// records matching filter.
//
// Example:
//
//	records, total, err := service.GetAuditLog(ctx, permkit.NewAuditLogFilter().
//	    WithRange(permkit.RangeWeek).
//	    WithEntityType(permkit.EntityRole))
func (s *Service) GetAuditLog(ctx context.Context, filter AuditLogFilter) ([]AuditRecord, int, error) {
	var records []AuditRecord
	q := s.db.NewSelect().Model(&records)

	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("rep.description ILIKE ?", pattern).
				WhereOr("rep.entity_type ILIKE ?", pattern)
		})
	}
	if filter.ActionType != "" {
		q = q.Where("rep.action_type = ?", strings.ToUpper(filter.ActionType))
	}
	if filter.EntityType != "" {
		q = q.Where("rep.entity_type = ?", filter.EntityType)
	}
	if filter.PerformedByID > 0 {
		q = q.Where("rep.performed_by_id = ?", filter.PerformedByID)
	}
	if since := filter.effectiveSince(time.Now()); !since.IsZero() {
		q = q.Where("rep.date >= ?", since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("rep.date <= ?", filter.Until)
	}

	q = q.Order("rep.date DESC", "rep.id DESC").Limit(clampLimit(filter.Limit))
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	total, err := q.ScanAndCount(ctx)
	if err = dbkit.WithErr1(err, "GetAuditLog").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, 0, storeError("GetAuditLog", err)
	}
	return records, total, nil
}
