package gormstore

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
)

const (
	errorSubjectAudit = "audit"
	errorCodeAppend   = "append"
)

// AuditStore implements audit.Store using GORM.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore returns an AuditStore backed by gorm.DB.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (store *AuditStore) Append(ctx context.Context, record audit.Record) error {
	model := AuditRecord{
		RecordID:    record.ID,
		SubjectType: string(record.SubjectType),
		SubjectID:   record.SubjectID,
		ActorID:     record.ActorID,
		Action:      record.Action,
		Before:      jsonColumn(record.Before),
		After:       jsonColumn(record.After),
		Flag:        record.Flag,
		CreatedAt:   utc(record.CreatedAt),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeAppend, err)
	}
	return nil
}

func (store *AuditStore) List(ctx context.Context, subjectType audit.SubjectType, subjectID string, limit int) ([]audit.Record, error) {
	var rows []AuditRecord
	query := store.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", string(subjectType), subjectID).
		Order("created_at DESC, record_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	records := make([]audit.Record, 0, len(rows))
	for _, row := range rows {
		parsedType, err := audit.ParseSubjectType(row.SubjectType)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		records = append(records, audit.Record{
			ID:          row.RecordID,
			SubjectType: parsedType,
			SubjectID:   row.SubjectID,
			ActorID:     row.ActorID,
			Action:      row.Action,
			Before:      rawJSON(row.Before),
			After:       rawJSON(row.After),
			Flag:        row.Flag,
			CreatedAt:   utc(row.CreatedAt),
		})
	}
	return records, nil
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func rawJSON(column datatypes.JSON) json.RawMessage {
	if len(column) == 0 {
		return nil
	}
	return json.RawMessage(column)
}
