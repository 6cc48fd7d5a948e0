// Package audit keeps the append-only trail of wallet and tournament mutations.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActorSystem identifies mutations made by background workers.
const ActorSystem = "system"

var (
	ErrInvalidRecord      = errors.New("invalid audit record")
	ErrInvalidSubjectType = errors.New("invalid subject type")
	ErrInvalidLogConfig   = errors.New("invalid audit log config")
)

// SubjectType names the aggregate a record is about.
type SubjectType string

const (
	SubjectWallet     SubjectType = "wallet"
	SubjectTournament SubjectType = "tournament"
)

// ParseSubjectType validates a raw subject type.
func ParseSubjectType(raw string) (SubjectType, error) {
	switch SubjectType(strings.TrimSpace(raw)) {
	case SubjectWallet:
		return SubjectWallet, nil
	case SubjectTournament:
		return SubjectTournament, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubjectType, raw)
	}
}

// Record is one immutable audit row.
type Record struct {
	ID          string
	SubjectType SubjectType
	SubjectID   string
	ActorID     string
	Action      string
	Before      json.RawMessage
	After       json.RawMessage
	Flag        string
	CreatedAt   time.Time
}

// Validate checks the fields every record must carry.
func (record Record) Validate() error {
	if _, err := ParseSubjectType(string(record.SubjectType)); err != nil {
		return err
	}
	if strings.TrimSpace(record.SubjectID) == "" {
		return fmt.Errorf("%w: empty subject id", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.ActorID) == "" {
		return fmt.Errorf("%w: empty actor id", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.Action) == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidRecord)
	}
	return nil
}

// Snapshot marshals a before/after state. Unmarshalable values collapse to null.
func Snapshot(state map[string]any) json.RawMessage {
	if state == nil {
		return nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return json.RawMessage("null")
	}
	return encoded
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, record Record) error
	List(ctx context.Context, subjectType SubjectType, subjectID string, limit int) ([]Record, error)
}

// Mirror receives a copy of every stored record.
type Mirror interface {
	Mirror(ctx context.Context, record Record) error
}

// Recorder is what mutating services depend on.
type Recorder interface {
	Record(ctx context.Context, record Record)
}

// FailureObserver is notified when a record could not be written.
type FailureObserver interface {
	ObserveAuditFailure(stage string)
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithMirror adds a secondary sink.
func WithMirror(mirror Mirror) LogOption {
	return func(log *Log) {
		if mirror != nil {
			log.mirrors = append(log.mirrors, mirror)
		}
	}
}

// WithFailureObserver wires a callback for write failures.
func WithFailureObserver(observer FailureObserver) LogOption {
	return func(log *Log) {
		log.observer = observer
	}
}

// Log writes records best effort. A failed write is logged and never surfaces to the caller.
type Log struct {
	store    Store
	logger   *zap.Logger
	nowFn    func() time.Time
	mirrors  []Mirror
	observer FailureObserver
}

// NewLog wires a Log.
func NewLog(store Store, logger *zap.Logger, now func() time.Time, options ...LogOption) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidLogConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidLogConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := &Log{store: store, logger: logger, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(log)
		}
	}
	return log, nil
}

// Record stores the record and fans it out to mirrors.
func (log *Log) Record(ctx context.Context, record Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = log.nowFn().UTC()
	}
	fields := []zap.Field{
		zap.String("audit_id", record.ID),
		zap.String("subject_type", string(record.SubjectType)),
		zap.String("subject_id", record.SubjectID),
		zap.String("action", record.Action),
		zap.String("actor_id", record.ActorID),
	}
	if err := record.Validate(); err != nil {
		log.fail("validate", err, fields)
		return
	}
	if err := log.store.Append(ctx, record); err != nil {
		log.fail("store", err, fields)
		return
	}
	for _, mirror := range log.mirrors {
		if err := mirror.Mirror(ctx, record); err != nil {
			log.fail("mirror", err, fields)
		}
	}
}

// List returns the newest records for a subject first.
func (log *Log) List(ctx context.Context, subjectType SubjectType, subjectID string, limit int) ([]Record, error) {
	if _, err := ParseSubjectType(string(subjectType)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: empty subject id", ErrInvalidRecord)
	}
	return log.store.List(ctx, subjectType, strings.TrimSpace(subjectID), limit)
}

func (log *Log) fail(stage string, err error, fields []zap.Field) {
	log.logger.Error("audit write failed", append(fields, zap.String("stage", stage), zap.Error(err))...)
	if log.observer != nil {
		log.observer.ObserveAuditFailure(stage)
	}
}
