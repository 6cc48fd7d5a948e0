package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/internal/auth"
	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	handler.respondWithWallet(ctx, actor.ID)
}

func (handler *httpHandler) handleWalletEntries(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	before, limit, ok := pageQuery(ctx)
	if !ok {
		return
	}
	entries, err := handler.wallet.History(ctx.Request.Context(), actor.ID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entryPayloads(entries)})
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	var request topupRequest
	if !bindJSON(ctx, &request) {
		return
	}
	entry, err := handler.wallet.RequestTopup(ctx.Request.Context(), actor.ID, request.Amount, request.ReferenceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"entry": newEntryPayload(entry)})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	var request spendRequest
	if !bindJSON(ctx, &request) {
		return
	}
	entry, err := handler.wallet.Spend(ctx.Request.Context(), actor.ID, request.Amount, request.Category, request.Description)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.wallet.GetBalance(ctx.Request.Context(), actor.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry), "balance": balance.Int64()})
}

func (handler *httpHandler) handleTournamentStatus(ctx *gin.Context) {
	info, err := handler.tournaments.GetStatusInfo(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tournament": newStatusInfoPayload(info)})
}

func (handler *httpHandler) handleAdminWallet(ctx *gin.Context) {
	handler.respondWithWallet(ctx, ctx.Param("user_id"))
}

func (handler *httpHandler) handleAdminAdjustment(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	var request adjustmentRequest
	if !bindJSON(ctx, &request) {
		return
	}
	entry, err := handler.wallet.AdminAdjust(ctx.Request.Context(), actor.ID, ctx.Param("user_id"), request.Amount, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry)})
}

func (handler *httpHandler) handleAdminVerify(ctx *gin.Context) {
	userID := ctx.Param("user_id")
	balance, err := handler.wallet.Verify(ctx.Request.Context(), userID)
	if errors.Is(err, ledger.ErrBalanceDrift) {
		handler.logger.Error("balance drift detected", zap.String("user_id", userID), zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance.Int64(), "consistent": false, "detail": err.Error()})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance.Int64(), "consistent": true})
}

func (handler *httpHandler) handleAdminVoid(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	var request voidRequest
	if !bindJSON(ctx, &request) {
		return
	}
	entry, err := handler.wallet.VoidTopup(ctx.Request.Context(), actor.ID, ctx.Param("entry_id"), request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry)})
}

func (handler *httpHandler) handleStaleTopups(ctx *gin.Context) {
	maxAge := handler.staleTopupAge
	if raw := strings.TrimSpace(ctx.Query("max_age")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "max_age must be a positive duration"))
			return
		}
		maxAge = parsed
	}
	_, limit, ok := pageQuery(ctx)
	if !ok {
		return
	}
	entries, err := handler.wallet.StaleTopups(ctx.Request.Context(), maxAge, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"max_age": maxAge.String(), "entries": entryPayloads(entries)})
}

func (handler *httpHandler) handleRevenue(ctx *gin.Context) {
	from, fromErr := time.Parse(time.RFC3339, ctx.Query("from"))
	to, toErr := time.Parse(time.RFC3339, ctx.Query("to"))
	if fromErr != nil || toErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "from and to must be RFC3339 timestamps"))
		return
	}
	revenue, err := handler.wallet.Revenue(ctx.Request.Context(), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"from":        revenue.From,
		"to":          revenue.To,
		"total_coins": revenue.TotalCoins,
		"count":       revenue.Count,
	})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	if handler.reconciler == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("reconcile_disabled", "no payment gateway configured"))
		return
	}
	report, err := handler.reconciler.RunOnce(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": newReportPayload(report)})
}

func (handler *httpHandler) handleAudit(ctx *gin.Context) {
	subjectType, err := audit.ParseSubjectType(ctx.Param("subject_type"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	limit := defaultAuditListLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := handler.audit.List(ctx.Request.Context(), subjectType, ctx.Param("subject_id"), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]auditPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, newAuditPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"records": payloads})
}

func (handler *httpHandler) handleTournamentTransition(ctx *gin.Context) {
	actor, _ := auth.ActorFrom(ctx)
	var request transitionRequest
	if !bindJSON(ctx, &request) {
		return
	}
	target, err := tournament.ParseStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	tournamentID := ctx.Param("id")
	if _, err := handler.tournaments.RequestTransition(ctx.Request.Context(), tournamentID, target, actor.ID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithStatusInfo(ctx, tournamentID)
}

func (handler *httpHandler) handleTournamentProgress(ctx *gin.Context) {
	var request progressRequest
	if !bindJSON(ctx, &request) {
		return
	}
	update := tournament.ProgressUpdate{
		TournamentID:        ctx.Param("id"),
		MatchCount:          request.MatchCount,
		CompletedMatchCount: request.CompletedMatchCount,
	}
	if request.LatestMatchActivityAt != nil {
		update.LatestMatchActivityAt = request.LatestMatchActivityAt.UTC()
	}
	if _, err := handler.tournaments.SyncProgress(ctx.Request.Context(), update); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithStatusInfo(ctx, update.TournamentID)
}

func (handler *httpHandler) respondWithStatusInfo(ctx *gin.Context, tournamentID string) {
	info, err := handler.tournaments.GetStatusInfo(ctx.Request.Context(), tournamentID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tournament": newStatusInfoPayload(info)})
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID string) {
	balance, err := handler.wallet.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.wallet.History(ctx.Request.Context(), userID, time.Time{}, handler.historyLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		UserID:  strings.TrimSpace(userID),
		Balance: balance.Int64(),
		Entries: entryPayloads(entries),
	}})
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		message := "expected JSON body"
		if errors.Is(err, io.EOF) {
			message = "empty body"
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, message))
		return false
	}
	return true
}

func pageQuery(ctx *gin.Context) (time.Time, int, bool) {
	var before time.Time
	if raw := strings.TrimSpace(ctx.Query("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "before must be an RFC3339 timestamp"))
			return time.Time{}, 0, false
		}
		before = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > ledger.MaxListLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "limit out of range"))
			return time.Time{}, 0, false
		}
		limit = parsed
	}
	return before, limit, true
}
