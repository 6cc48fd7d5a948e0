package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/arena/internal/reconcile"
	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

type topupRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

type adjustmentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

type progressRequest struct {
	MatchCount            int        `json:"match_count"`
	CompletedMatchCount   int        `json:"completed_match_count"`
	LatestMatchActivityAt *time.Time `json:"latest_match_activity_at"`
}

type entryPayload struct {
	EntryID           string     `json:"entry_id"`
	UserID            string     `json:"user_id"`
	Kind              string     `json:"kind"`
	Amount            int64      `json:"amount"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Category          string     `json:"category,omitempty"`
	Description       string     `json:"description,omitempty"`
	ActorID           string     `json:"actor_id,omitempty"`
	Flag              string     `json:"flag,omitempty"`
	SettledAmount     int64      `json:"settled_amount,omitempty"`
	VoidReason        string     `json:"void_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	AppliedAt         *time.Time `json:"applied_at,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

type walletResponse struct {
	UserID  string         `json:"user_id"`
	Balance int64          `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type statusInfoPayload struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"`
	ProgressPercent     float64   `json:"progress_percent"`
	MatchCount          int       `json:"match_count"`
	CompletedMatchCount int       `json:"completed_match_count"`
	StalenessSeconds    int64     `json:"staleness_seconds"`
	IdleDays            int       `json:"idle_days"`
	ArchiveRecommended  bool      `json:"archive_recommended"`
	AllowedTransitions  []string  `json:"allowed_transitions"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type reportPayload struct {
	StartedAt      time.Time      `json:"started_at"`
	Examined       int            `json:"examined"`
	Applied        int            `json:"applied"`
	Failed         int            `json:"failed"`
	AmountMismatch int            `json:"amount_mismatch"`
	StillPending   int            `json:"still_pending"`
	Ambiguous      int            `json:"ambiguous"`
	Unavailable    int            `json:"unavailable"`
	Skipped        int            `json:"skipped"`
	Errors         int            `json:"errors"`
	Stale          []entryPayload `json:"stale"`
}

type auditPayload struct {
	ID          string          `json:"id"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	ActorID     string          `json:"actor_id,omitempty"`
	Action      string          `json:"action"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Flag        string          `json:"flag,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:           entry.ID.String(),
		UserID:            entry.UserID.String(),
		Kind:              string(entry.Kind),
		Amount:            entry.Amount.Int64(),
		Status:            string(entry.Status),
		ExternalReference: entry.ExternalReference,
		Reason:            entry.Reason,
		Category:          entry.Category,
		Description:       entry.Description,
		ActorID:           entry.ActorID,
		Flag:              string(entry.Flag),
		SettledAmount:     entry.SettledAmount,
		VoidReason:        entry.VoidReason,
		CreatedAt:         entry.CreatedAt,
		AppliedAt:         optionalTime(entry.AppliedAt),
		ResolvedAt:        optionalTime(entry.ResolvedAt),
	}
}

func entryPayloads(entries []ledger.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, newEntryPayload(entry))
	}
	return payloads
}

func newStatusInfoPayload(info tournament.StatusInfo) statusInfoPayload {
	allowed := make([]string, 0, len(info.AllowedTransitions))
	for _, status := range info.AllowedTransitions {
		allowed = append(allowed, string(status))
	}
	return statusInfoPayload{
		ID:                  info.ID,
		Status:              string(info.Status),
		ProgressPercent:     info.ProgressPercent,
		MatchCount:          info.MatchCount,
		CompletedMatchCount: info.CompletedMatchCount,
		StalenessSeconds:    int64(info.Staleness / time.Second),
		IdleDays:            info.IdleDays,
		ArchiveRecommended:  info.ArchiveRecommended,
		AllowedTransitions:  allowed,
		UpdatedAt:           info.UpdatedAt,
	}
}

func newReportPayload(report reconcile.Report) reportPayload {
	return reportPayload{
		StartedAt:      report.StartedAt,
		Examined:       report.Examined,
		Applied:        report.Applied,
		Failed:         report.Failed,
		AmountMismatch: report.AmountMismatch,
		StillPending:   report.StillPending,
		Ambiguous:      report.Ambiguous,
		Unavailable:    report.Unavailable,
		Skipped:        report.Skipped,
		Errors:         report.Errors,
		Stale:          entryPayloads(report.Stale),
	}
}

func newAuditPayload(record audit.Record) auditPayload {
	return auditPayload{
		ID:          record.ID,
		SubjectType: string(record.SubjectType),
		SubjectID:   record.SubjectID,
		ActorID:     record.ActorID,
		Action:      record.Action,
		Before:      record.Before,
		After:       record.After,
		Flag:        record.Flag,
		CreatedAt:   record.CreatedAt,
	}
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
