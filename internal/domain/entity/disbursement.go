package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method is the payment route of a disbursement item
type Method string

const (
	MethodGatewayA Method = "gateway-a" // mobile money
	MethodGatewayB Method = "gateway-b" // bank transfer
	MethodManual   Method = "manual"
)

var methodAliases = map[string]Method{
	"gateway-a":     MethodGatewayA,
	"mpesa":         MethodGatewayA,
	"m-pesa":        MethodGatewayA,
	"mobile":        MethodGatewayA,
	"gateway-b":     MethodGatewayB,
	"bank":          MethodGatewayB,
	"bank_transfer": MethodGatewayB,
	"manual":        MethodManual,
	"cash":          MethodManual,
}

// ParseMethod resolves a payment method name or alias
func ParseMethod(s string) (Method, error) {
	if m, ok := methodAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// UsesGateway returns true if items with this method are dispatched to a gateway
func (m Method) UsesGateway() bool {
	return m == MethodGatewayA || m == MethodGatewayB
}

// ItemStatus is the dispatch state of a disbursement item
type ItemStatus string

const (
	ItemPending       ItemStatus = "pending"
	ItemDispatched    ItemStatus = "dispatched"
	ItemSucceeded     ItemStatus = "succeeded"
	ItemFailed        ItemStatus = "failed"
	ItemPendingManual ItemStatus = "pending-manual"
)

// Failure reasons recorded on items
const (
	ReasonTimeout           = "timeout"
	ReasonInvalidAccount    = "invalid account details"
	ReasonNoGateway         = "no gateway configured"
	ReasonOutcomeUnknown    = "dispatch outcome unknown"
	ReasonGatewayRejected   = "gateway rejected payment"
	ReasonGatewayTransport  = "gateway error"
	ReasonDispatchCancelled = "dispatch cancelled"
)

// DisbursementItem is one payee's payment within a payroll instance
type DisbursementItem struct {
	ID                int64           `json:"id"`
	InstanceID        string          `json:"instance_id"`
	PayeeID           string          `json:"payee_id"`
	PayeeName         string          `json:"payee_name"`
	Account           string          `json:"account"`
	BankName          string          `json:"bank_name,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Method            Method          `json:"method"`
	Status            ItemStatus      `json:"status"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	RawResponse       string          `json:"raw_response,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RetryCount        int             `json:"retry_count"`
	DispatchedAt      *time.Time      `json:"dispatched_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IdempotencyKey is the de-duplication key sent with every dispatch of the item
func (d *DisbursementItem) IdempotencyKey() string {
	return d.InstanceID + ":" + d.PayeeID
}

// ItemOutcome is the settled state of a dispatch attempt
type ItemOutcome struct {
	Status            ItemStatus
	ProviderReference string
	RawResponse       string
	FailureReason     string
}
