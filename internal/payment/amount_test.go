package payment_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/provider"
)

func TestExtractAmount(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		currency string
		want     int64
		wantErr  bool
	}{
		{name: "flat integer is minor units", payload: `{"amount": 1234}`, currency: "USD", want: 1234},
		{name: "decimal string is major units", payload: `{"amount": "12.34"}`, currency: "USD", want: 1234},
		{name: "nested total", payload: `{"amount": {"total": "12.34", "currency": "USD"}}`, currency: "USD", want: 1234},
		{name: "amount_cents", payload: `{"amount_cents": 990}`, currency: "EUR", want: 990},
		{name: "zero-decimal currency", payload: `{"amount": "1500"}`, currency: "JPY", want: 1500},
		{name: "minor fields win over amount", payload: `{"amount_minor": 500, "amount": "99.00"}`, currency: "USD", want: 500},
		{name: "too many decimals", payload: `{"amount": "1.234"}`, currency: "USD", wantErr: true},
		{name: "fractional minor units", payload: `{"amount_cents": "10.5"}`, currency: "USD", wantErr: true},
		{name: "no amount", payload: `{"status": "success"}`, currency: "USD", wantErr: true},
		{name: "not json", payload: `amount=12`, currency: "USD", wantErr: true},
		{name: "unknown currency", payload: `{"amount": 1}`, currency: "??", wantErr: true},
		{name: "minor units past int64", payload: `{"amount_cents": 18446744073709553616}`, currency: "USD", wantErr: true},
		{name: "major units past int64", payload: `{"amount": {"total": "184467440737095536.16"}}`, currency: "USD", wantErr: true},
		{name: "flat amount past int64", payload: `{"amount": 9223372036854775808}`, currency: "USD", wantErr: true},
		{name: "largest int64 still fits", payload: `{"amount_minor": 9223372036854775807}`, currency: "USD", want: 9223372036854775807},
		{name: "zero", payload: `{"amount_cents": 0}`, currency: "USD", wantErr: true},
		{name: "negative", payload: `{"amount": "-12.34"}`, currency: "USD", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := payment.ExtractAmount([]byte(tt.payload), tt.currency)
			if tt.wantErr {
				var validation *apperr.ValidationError
				require.True(t, errors.As(err, &validation), "want validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMajor(t *testing.T) {
	assert.Equal(t, "12.34", payment.FormatMajor(1234, "USD"))
	assert.Equal(t, "0.05", payment.FormatMajor(5, "EUR"))
	assert.Equal(t, "1500", payment.FormatMajor(1500, "JPY"))
}

func TestExtractOutcome(t *testing.T) {
	tests := []struct {
		payload string
		want    provider.Outcome
	}{
		{`{"status": "success"}`, provider.OutcomeSucceeded},
		{`{"trade_status": "TRADE_SUCCESS"}`, provider.OutcomeSucceeded},
		{`{"data": {"status": "declined"}}`, provider.OutcomeFailed},
		{`{"status": "waiting"}`, provider.OutcomePending},
		{`{"amount": 100}`, provider.OutcomeSucceeded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, payment.ExtractOutcome([]byte(tt.payload)), tt.payload)
	}
}

func TestExtractTarget(t *testing.T) {
	id := uuid.New()

	got, ref := payment.ExtractTarget([]byte(`{"out_trade_no": "` + id.String() + `", "trade_no": "T1"}`))
	assert.Equal(t, id, got)
	assert.Empty(t, ref)

	got, ref = payment.ExtractTarget([]byte(`{"payment_id": "not-a-uuid", "reference": "R-9"}`))
	assert.Equal(t, uuid.Nil, got)
	assert.Equal(t, "R-9", ref)

	got, ref = payment.ExtractTarget([]byte(`{}`))
	assert.Equal(t, uuid.Nil, got)
	assert.Empty(t, ref)
}
