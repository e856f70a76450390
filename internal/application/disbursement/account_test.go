package disbursement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "712345678", want: "254712345678"},
		{in: "254712345678", want: "254712345678"},
		{in: "+254 712-345-678", want: "254712345678"},
		{in: "0712 345 678", want: "254712345678"},
		{in: "12345", wantErr: true},
		{in: "1712345678", wantErr: true},
		{in: "255712345678", wantErr: true},
		{in: "07123x5678", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPayeeAccount(t *testing.T) {
	tests := []struct {
		name    string
		item    entity.DisbursementItem
		want    string
		wantErr bool
	}{
		{"mobile", entity.DisbursementItem{Method: entity.MethodGatewayA, Account: "0722000000"}, "254722000000", false},
		{"bank", entity.DisbursementItem{Method: entity.MethodGatewayB, Account: " 0011 ", BankName: "KCB"}, "0011", false},
		{"bank without name", entity.DisbursementItem{Method: entity.MethodGatewayB, Account: "0011"}, "", true},
		{"bank without account", entity.DisbursementItem{Method: entity.MethodGatewayB, BankName: "KCB"}, "", true},
		{"manual", entity.DisbursementItem{Method: entity.MethodManual}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PayeeAccount(&tt.item)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemo(t *testing.T) {
	assert.Equal(t, "Salary payment for April 2026", Memo(entity.PayrollPeriod{Year: 2026, Month: 4}))
}
