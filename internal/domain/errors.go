package domain

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// Sentinels for the purchase engine. The constructors below wrap them in an
// AppError so the HTTP layer can map code and status while callers still
// match with errors.Is.
var (
	ErrIllegalStateTransition             = errors.New("illegal state transition")
	ErrSessionAlreadyProcessed            = errors.New("session already processed")
	ErrMissingMandatoryCompleteParameters = errors.New("missing mandatory complete parameters")
	ErrReconciliationRequired             = errors.New("reconciliation required")
	ErrUnableToProcessTransaction         = errors.New("unable to process transaction")
	ErrLockTimeout                        = errors.New("session lock timeout")
	ErrVersionConflict                    = errors.New("session version conflict")
)

const (
	CodeIllegalStateTransition             = "ILLEGAL_STATE_TRANSITION"
	CodeSessionAlreadyProcessed            = "SESSION_ALREADY_PROCESSED"
	CodeMissingMandatoryCompleteParameters = "MISSING_MANDATORY_COMPLETE_PARAMETERS"
	CodeReconciliationRequired             = "RECONCILIATION_REQUIRED"
	CodeUnableToProcessTransaction         = "UNABLE_TO_PROCESS_TRANSACTION"
	CodeLockTimeout                        = "LOCK_TIMEOUT"
	CodeVersionConflict                    = "VERSION_CONFLICT"
)

func IllegalStateTransition(from, to State) *apperrors.AppError {
	return apperrors.New(CodeIllegalStateTransition, http.StatusConflict,
		fmt.Sprintf("cannot transition purchase from %s to %s", from, to), ErrIllegalStateTransition)
}

// IllegalOperation reports a command that the current state does not accept.
func IllegalOperation(op string, state State) *apperrors.AppError {
	return apperrors.New(CodeIllegalStateTransition, http.StatusConflict,
		fmt.Sprintf("%s is not allowed in state %s", op, state), ErrIllegalStateTransition)
}

func SessionAlreadyProcessed(sid SessionID) *apperrors.AppError {
	return apperrors.New(CodeSessionAlreadyProcessed, http.StatusConflict,
		fmt.Sprintf("session %s has already been processed", sid), ErrSessionAlreadyProcessed)
}

func MissingMandatoryCompleteParameters() *apperrors.AppError {
	return apperrors.New(CodeMissingMandatoryCompleteParameters, http.StatusBadRequest,
		"either PaRes and MD or the simplified query string is required", ErrMissingMandatoryCompleteParameters)
}

func ReconciliationRequired(sid SessionID) *apperrors.AppError {
	return apperrors.New(CodeReconciliationRequired, http.StatusConflict,
		fmt.Sprintf("session %s has an unconfirmed biller submission and needs manual reconciliation", sid), ErrReconciliationRequired)
}

func UnableToProcessTransaction(err error) *apperrors.AppError {
	return apperrors.New(CodeUnableToProcessTransaction, http.StatusServiceUnavailable,
		"the transaction service could not process the request", errors.Join(ErrUnableToProcessTransaction, err))
}

func LockTimeout(sid SessionID, attempts int) *apperrors.AppError {
	return apperrors.New(CodeLockTimeout, http.StatusServiceUnavailable,
		fmt.Sprintf("could not acquire lock for session %s after %d attempts", sid, attempts), ErrLockTimeout)
}

func VersionConflict(sid SessionID) *apperrors.AppError {
	return apperrors.New(CodeVersionConflict, http.StatusConflict,
		fmt.Sprintf("session %s was modified concurrently", sid), ErrVersionConflict)
}
