package payment

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

var payerIDPattern = regexp.MustCompile(`^\d{11}$`)

func validateCreate(in CreatePaymentInput) error {
	verr := &ValidationError{}
	if !payerIDPattern.MatchString(in.PayerID) {
		verr.add("cpf", "must be exactly 11 digits")
	}
	if strings.TrimSpace(in.Description) == "" {
		verr.add("description", "must not be empty")
	}
	if msg := checkAmount(in.Amount); msg != "" {
		verr.add("amount", msg)
	}
	if !in.Method.Valid() {
		verr.add("payment_method", "must be one of PIX, CREDIT_CARD")
	}
	return verr.orNil()
}

func validatePatch(patch models.PaymentPatch) error {
	verr := &ValidationError{}
	if patch.Status != nil && !patch.Status.Valid() {
		verr.add("status", "must be one of PENDING, PAID, FAILED")
	}
	if patch.Description != nil && strings.TrimSpace(*patch.Description) == "" {
		verr.add("description", "must not be empty")
	}
	if patch.Amount != nil {
		if msg := checkAmount(*patch.Amount); msg != "" {
			verr.add("amount", msg)
		}
	}
	return verr.orNil()
}

func validateFilter(filter models.PaymentFilter) error {
	verr := &ValidationError{}
	if filter.Page < 1 {
		verr.add("page", "must be at least 1")
	}
	if filter.PageSize < 1 {
		verr.add("take", "must be at least 1")
	} else if filter.Page > math.MaxInt/filter.PageSize {
		verr.add("page", "is too large")
	}
	if filter.Method != "" && !filter.Method.Valid() {
		verr.add("payment_method", "must be one of PIX, CREDIT_CARD")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		verr.add("status", "must be one of PENDING, PAID, FAILED")
	}
	return verr.orNil()
}

func checkAmount(amount decimal.Decimal) string {
	if !amount.IsPositive() {
		return "must be greater than zero"
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return "must have at most 2 decimal places"
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
