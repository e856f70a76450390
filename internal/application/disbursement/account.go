package disbursement

import (
	"fmt"
	"strings"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

// NormalizePhone converts a Kenyan mobile number to the 2547XXXXXXXX form.
// Accepted inputs are 07XXXXXXXX, 7XXXXXXXX and 254XXXXXXXXX, with spaces,
// dashes or a leading plus ignored.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '+':
		default:
			return "", fmt.Errorf("phone %q contains %q", raw, r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "254" + digits[1:], nil
	case len(digits) == 9:
		return "254" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		return digits, nil
	default:
		return "", fmt.Errorf("phone %q is not a valid mobile number", raw)
	}
}

// PayeeAccount resolves the account a gateway should pay into
func PayeeAccount(item *entity.DisbursementItem) (string, error) {
	switch item.Method {
	case entity.MethodGatewayA:
		return NormalizePhone(item.Account)
	case entity.MethodGatewayB:
		account := strings.TrimSpace(item.Account)
		if account == "" || strings.TrimSpace(item.BankName) == "" {
			return "", fmt.Errorf("bank transfer needs an account number and a bank name")
		}
		return account, nil
	default:
		return "", fmt.Errorf("method %s has no payee account", item.Method)
	}
}

// Memo is the payment narrative sent with every salary payment
func Memo(period entity.PayrollPeriod) string {
	return "Salary payment for " + period.Label()
}
