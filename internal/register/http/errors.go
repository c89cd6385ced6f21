package registerhttp

import (
	"net/http"

	"github.com/odyssey-erp/cashdesk/internal/platform/httpx"
	"github.com/odyssey-erp/cashdesk/internal/register"
	"github.com/odyssey-erp/cashdesk/internal/shared"
)

// Problem codes returned by the register API.
const (
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeInvalidMovementType   = "INVALID_MOVEMENT_TYPE"
	CodeInvalidTill           = "INVALID_TILL"
	CodeSessionAlreadyOpen    = "SESSION_ALREADY_OPEN"
	CodeSessionNotOpen        = "SESSION_NOT_OPEN"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeNonMonotonicTimestamp = "NON_MONOTONIC_TIMESTAMP"
	CodeTillBusy              = "TILL_BUSY"
	CodeDuplicateRequest      = "DUPLICATE_REQUEST"
	CodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	CodeLedgerInconsistent    = "LEDGER_INCONSISTENT"
)

// ErrorRules maps register sentinels to HTTP statuses.
func ErrorRules() []httpx.ErrorRule {
	return []httpx.ErrorRule{
		{Err: register.ErrInvalidAmount, Status: http.StatusUnprocessableEntity, Code: CodeInvalidAmount},
		{Err: register.ErrInvalidMovementType, Status: http.StatusUnprocessableEntity, Code: CodeInvalidMovementType},
		{Err: register.ErrInvalidTill, Status: http.StatusBadRequest, Code: CodeInvalidTill},
		{Err: register.ErrSessionAlreadyOpen, Status: http.StatusConflict, Code: CodeSessionAlreadyOpen},
		{Err: register.ErrSessionNotOpen, Status: http.StatusConflict, Code: CodeSessionNotOpen},
		{Err: register.ErrSessionNotFound, Status: http.StatusNotFound, Code: CodeSessionNotFound},
		{Err: register.ErrNonMonotonicTimestamp, Status: http.StatusConflict, Code: CodeNonMonotonicTimestamp},
		{Err: register.ErrTillBusy, Status: http.StatusConflict, Code: CodeTillBusy},
		{Err: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Code: CodeDuplicateRequest},
		{Err: register.ErrStorageUnavailable, Status: http.StatusServiceUnavailable, Code: CodeStorageUnavailable},
		{Err: register.ErrLedgerInconsistent, Status: http.StatusInternalServerError, Code: CodeLedgerInconsistent},
	}
}

// Messages holds the English and Indonesian titles of the register codes.
func Messages() []httpx.Message {
	return []httpx.Message{
		{Key: CodeInvalidAmount, English: "Invalid amount", Indonesian: "Jumlah tidak valid"},
		{Key: CodeInvalidMovementType, English: "Invalid movement type", Indonesian: "Jenis mutasi tidak valid"},
		{Key: CodeInvalidTill, English: "Invalid till", Indonesian: "Kasir tidak valid"},
		{Key: CodeSessionAlreadyOpen, English: "Register session already open", Indonesian: "Sesi kasir sudah dibuka"},
		{Key: CodeSessionNotOpen, English: "Register session is not open", Indonesian: "Sesi kasir tidak dalam status terbuka"},
		{Key: CodeSessionNotFound, English: "Register session not found", Indonesian: "Sesi kasir tidak ditemukan"},
		{Key: CodeNonMonotonicTimestamp, English: "Movement timestamp out of order", Indonesian: "Waktu mutasi tidak berurutan"},
		{Key: CodeTillBusy, English: "Till is busy, retry shortly", Indonesian: "Kasir sedang sibuk, coba lagi sebentar"},
		{Key: CodeDuplicateRequest, English: "Duplicate request", Indonesian: "Permintaan ganda"},
		{Key: CodeStorageUnavailable, English: "Storage unavailable", Indonesian: "Penyimpanan tidak tersedia"},
		{Key: CodeLedgerInconsistent, English: "Ledger inconsistent", Indonesian: "Buku kas tidak konsisten"},
	}
}
