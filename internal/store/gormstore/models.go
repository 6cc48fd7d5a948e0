package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table. Balance is the materialized sum of applied entries.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID           string     `gorm:"primaryKey"`
	UserID            string     `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind              string     `gorm:"not null;index:idx_ledger_kind_status_created,priority:1"`
	Amount            int64      `gorm:"not null"`
	Status            string     `gorm:"not null;index:idx_ledger_kind_status_created,priority:2"`
	ExternalReference *string    `gorm:"uniqueIndex:uniq_ledger_external_reference"`
	Reason            string     `gorm:"not null;default:''"`
	Category          string     `gorm:"not null;default:''"`
	Description       string     `gorm:"not null;default:''"`
	ActorID           string     `gorm:"not null;default:''"`
	Flag              string     `gorm:"not null;default:''"`
	SettledAmount     int64      `gorm:"not null;default:0"`
	Channel           string     `gorm:"not null;default:''"`
	VoidReason        string     `gorm:"not null;default:''"`
	ResolvedBy        string     `gorm:"not null;default:''"`
	CreatedAt         time.Time  `gorm:"not null;autoCreateTime:false;index:idx_ledger_user_created,priority:2;index:idx_ledger_kind_status_created,priority:3"`
	AppliedAt         *time.Time `gorm:"index"`
	ResolvedAt        *time.Time
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// AuditRecord mirrors the audit_records table.
type AuditRecord struct {
	RecordID    string         `gorm:"primaryKey"`
	SubjectType string         `gorm:"not null;index:idx_audit_subject_created,priority:1"`
	SubjectID   string         `gorm:"not null;index:idx_audit_subject_created,priority:2"`
	ActorID     string         `gorm:"not null"`
	Action      string         `gorm:"not null"`
	Before      datatypes.JSON `gorm:""`
	After       datatypes.JSON `gorm:""`
	Flag        string         `gorm:"not null;default:''"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime:false;index:idx_audit_subject_created,priority:3"`
}

func (AuditRecord) TableName() string { return "audit_records" }

// Tournament mirrors the tournaments table.
type Tournament struct {
	TournamentID          string     `gorm:"primaryKey"`
	Status                string     `gorm:"not null"`
	MatchCount            int        `gorm:"not null;default:0"`
	CompletedMatchCount   int        `gorm:"not null;default:0"`
	CreatedAt             time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt             time.Time  `gorm:"not null;autoUpdateTime:false"`
	LatestMatchActivityAt *time.Time `gorm:""`
}

func (Tournament) TableName() string { return "tournaments" }

// Models lists every table managed by Migrate.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &AuditRecord{}, &Tournament{}}
}
