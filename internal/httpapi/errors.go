package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

const (
	codeInsufficientBalance = "insufficient_balance"
	codeInvalidEntry        = "invalid_entry"
	codeInvalidRequest      = "invalid_request"
	codeInvalidPayload      = "invalid_payload"
	codeDuplicateReference  = "duplicate_reference"
	codeEntryFinalized      = "entry_finalized"
	codeIllegalTransition   = "illegal_transition"
	codeStatusConflict      = "status_conflict"
	codeNotFound            = "not_found"
	codeInternal            = "internal_error"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrInsufficientBalance, status: http.StatusConflict, code: codeInsufficientBalance},
	{target: ledger.ErrDuplicateReference, status: http.StatusConflict, code: codeDuplicateReference},
	{target: ledger.ErrEntryFinalized, status: http.StatusConflict, code: codeEntryFinalized},
	{target: tournament.ErrIllegalTransition, status: http.StatusConflict, code: codeIllegalTransition},
	{target: tournament.ErrStatusConflict, status: http.StatusConflict, code: codeStatusConflict},
	{target: ledger.ErrUnknownEntry, status: http.StatusNotFound, code: codeNotFound},
	{target: tournament.ErrUnknownTournament, status: http.StatusNotFound, code: codeNotFound},
	{target: ledger.ErrInvalidEntry, status: http.StatusBadRequest, code: codeInvalidEntry},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: codeInvalidEntry},
	{target: ledger.ErrInvalidEntryID, status: http.StatusBadRequest, code: codeInvalidEntry},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: codeInvalidEntry},
	{target: ledger.ErrMissingReason, status: http.StatusBadRequest, code: codeInvalidEntry},
	{target: ledger.ErrInvalidTimeWindow, status: http.StatusBadRequest, code: codeInvalidRequest},
	{target: tournament.ErrInvalidProgress, status: http.StatusBadRequest, code: codeInvalidRequest},
	{target: tournament.ErrInvalidStatus, status: http.StatusBadRequest, code: codeInvalidRequest},
	{target: tournament.ErrInvalidTournamentID, status: http.StatusBadRequest, code: codeInvalidRequest},
	{target: tournament.ErrMissingTransitionActor, status: http.StatusBadRequest, code: codeInvalidRequest},
	{target: audit.ErrInvalidSubjectType, status: http.StatusBadRequest, code: codeInvalidRequest},
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	fields := []zap.Field{zap.String("route", ctx.FullPath()), zap.Error(err)}
	var operationError ledger.OperationError
	if errors.As(err, &operationError) {
		fields = append(fields, zap.String("operation_code", operationError.Operation()+"."+operationError.Subject()+"."+operationError.Code()))
	}
	handler.logger.Error("request failed", fields...)
	ctx.JSON(http.StatusInternalServerError, errorResponse(codeInternal, "internal error"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
