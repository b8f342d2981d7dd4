/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Obligations:
    ObligationDTO, CreateObligationRequest, ObligationListResponse
    (PATCH bodies decode straight into recurring.DetailsPatch)

  Ledger:
    EntryDTO

  Engine runs:
    ProcessResultDTO, ScanReportDTO, ReminderReportDTO, SweepResultDTO, ScanRunDTO

AMOUNTS:
  Amounts are decimal strings with two fraction digits ("1500000.00").
  Requests accept a JSON string or number.

SEE ALSO:
  - handlers.go: Uses these types
  - recurring/validate.go: Field rules
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationDTO represents a recurring obligation in API responses.
type ObligationDTO struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Kind          string          `json:"kind"`
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	Category      string          `json:"category"`
	Subcategory   string          `json:"subcategory,omitempty"`
	Description   string          `json:"description,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Frequency     string          `json:"frequency"`
	CustomRule    json.RawMessage `json:"custom_rule,omitempty"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	LastProcessed *time.Time      `json:"last_processed,omitempty"`
	NextDue       *time.Time      `json:"next_due"`
	Status        string          `json:"status"`
	ReminderDays  int             `json:"reminder_days"`
	AutoProcess   bool            `json:"auto_process"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreateObligationRequest is the body of POST /api/obligations. The owner
// comes from the X-User-ID header.
type CreateObligationRequest struct {
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Category      string          `json:"category"`
	Subcategory   string          `json:"subcategory"`
	Description   string          `json:"description"`
	PaymentMethod string          `json:"payment_method"`
	Frequency     string          `json:"frequency"`
	CustomRule    json.RawMessage `json:"custom_rule"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date"`
	ReminderDays  *int            `json:"reminder_days"`
	AutoProcess   bool            `json:"auto_process"`
	Metadata      map[string]any  `json:"metadata"`
}

func (r CreateObligationRequest) toNew(userID generic.UserID) recurring.NewObligation {
	return recurring.NewObligation{
		UserID:        userID,
		Kind:          generic.EntryKind(r.Kind),
		Amount:        r.Amount,
		Currency:      r.Currency,
		Category:      r.Category,
		Subcategory:   r.Subcategory,
		Description:   r.Description,
		PaymentMethod: r.PaymentMethod,
		Frequency:     recurring.Frequency(r.Frequency),
		CustomRule:    recurring.CustomRule(r.CustomRule),
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		ReminderDays:  r.ReminderDays,
		AutoProcess:   r.AutoProcess,
		Metadata:      r.Metadata,
	}
}

// ObligationListResponse is one page of obligations.
type ObligationListResponse struct {
	Obligations []ObligationDTO `json:"obligations"`
	Page        int             `json:"page"`
	Limit       int             `json:"limit"`
}

func toObligationDTO(ob recurring.Obligation) ObligationDTO {
	return ObligationDTO{
		ID:            string(ob.ID),
		UserID:        string(ob.UserID),
		Kind:          string(ob.Kind),
		Amount:        ob.Amount.Value.StringFixed(generic.AmountScale),
		Currency:      ob.Amount.Currency,
		Category:      ob.Category,
		Subcategory:   ob.Subcategory,
		Description:   ob.Description,
		PaymentMethod: ob.PaymentMethod,
		Frequency:     string(ob.Frequency),
		CustomRule:    json.RawMessage(ob.CustomRule),
		StartDate:     ob.StartDate,
		EndDate:       ob.EndDate,
		LastProcessed: ob.LastProcessed,
		NextDue:       ob.NextDue,
		Status:        string(ob.Status),
		ReminderDays:  ob.ReminderDays,
		AutoProcess:   ob.AutoProcess,
		Metadata:      ob.Metadata,
		Version:       ob.Version,
		CreatedAt:     ob.CreatedAt,
		UpdatedAt:     ob.UpdatedAt,
	}
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// EntryDTO represents a materialized ledger entry.
type EntryDTO struct {
	ID            string            `json:"id"`
	ObligationID  string            `json:"obligation_id"`
	Kind          string            `json:"kind"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Category      string            `json:"category"`
	Subcategory   string            `json:"subcategory,omitempty"`
	Description   string            `json:"description,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Status        string            `json:"status"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Occurrence    time.Time         `json:"occurrence"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toEntryDTO(e generic.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		ObligationID:  string(e.SourceID),
		Kind:          string(e.Kind),
		Amount:        e.Amount.Value.StringFixed(generic.AmountScale),
		Currency:      e.Amount.Currency,
		Category:      e.Category,
		Subcategory:   e.Subcategory,
		Description:   e.Description,
		PaymentMethod: e.PaymentMethod,
		Status:        string(e.Status),
		OccurredAt:    e.OccurredAt,
		Occurrence:    e.Occurrence,
		Metadata:      e.Metadata,
	}
}

// =============================================================================
// ENGINE RUNS
// =============================================================================

// ProcessResultDTO is the response of POST /api/obligations/{id}/process.
type ProcessResultDTO struct {
	Entry       EntryDTO      `json:"entry"`
	Obligation  ObligationDTO `json:"obligation"`
	Completed   bool          `json:"completed"`
	NotifyError string        `json:"notify_error,omitempty"`
}

type ItemResultDTO struct {
	ObligationID string     `json:"obligation_id"`
	Status       string     `json:"status"`
	EntryID      string     `json:"entry_id,omitempty"`
	NextDue      *time.Time `json:"next_due,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type ScanReportDTO struct {
	RunID      string          `json:"run_id"`
	AsOf       time.Time       `json:"as_of"`
	Candidates int             `json:"candidates"`
	Processed  int             `json:"processed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Aborted    bool            `json:"aborted"`
	Results    []ItemResultDTO `json:"results"`
}

func toScanReportDTO(r *recurring.ScanReport) ScanReportDTO {
	dto := ScanReportDTO{
		RunID:      r.RunID,
		AsOf:       r.AsOf,
		Candidates: r.Candidates,
		Processed:  r.Processed,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Aborted:    r.Aborted,
		Results:    make([]ItemResultDTO, len(r.Results)),
	}
	for i, res := range r.Results {
		dto.Results[i] = ItemResultDTO{
			ObligationID: string(res.ObligationID),
			Status:       string(res.Status),
			EntryID:      string(res.EntryID),
			NextDue:      res.NextDue,
			Error:        errString(res.Err),
		}
	}
	return dto
}

type ReminderResultDTO struct {
	ObligationID string    `json:"obligation_id"`
	Due          time.Time `json:"due"`
	DaysUntilDue int       `json:"days_until_due"`
	Error        string    `json:"error,omitempty"`
}

type ReminderReportDTO struct {
	RunID      string              `json:"run_id"`
	AsOf       time.Time           `json:"as_of"`
	Candidates int                 `json:"candidates"`
	Reminded   int                 `json:"reminded"`
	Failed     int                 `json:"failed"`
	Results    []ReminderResultDTO `json:"results"`
}

func toReminderReportDTO(r *recurring.ReminderReport) ReminderReportDTO {
	dto := ReminderReportDTO{
		RunID:      r.RunID,
		AsOf:       r.AsOf,
		Candidates: r.Candidates,
		Reminded:   r.Reminded,
		Failed:     r.Failed,
		Results:    make([]ReminderResultDTO, len(r.Results)),
	}
	for i, res := range r.Results {
		dto.Results[i] = ReminderResultDTO{
			ObligationID: string(res.ObligationID),
			Due:          res.Due,
			DaysUntilDue: res.DaysUntilDue,
			Error:        errString(res.Err),
		}
	}
	return dto
}

type SweepResultDTO struct {
	AsOf      time.Time `json:"as_of"`
	Completed int       `json:"completed"`
}

type ScanRunDTO struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	AsOf        time.Time  `json:"as_of"`
	Candidates  int        `json:"candidates"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toScanRunDTO(r recurring.ScanRun) ScanRunDTO {
	return ScanRunDTO{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		AsOf:        r.AsOf,
		Candidates:  r.Candidates,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
