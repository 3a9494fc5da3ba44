package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAccruedPriceAtEmptySchedule(t *testing.T) {
	got := AccruedPriceAt(nil, date(2024, 3, 15))
	if !got.Equal(decimal.Zero) {
		t.Fatalf("got %s", got)
	}
}

func TestAccruedPriceAtPicksLatestApplicableEntry(t *testing.T) {
	schedule := []map[string]any{
		{"accrual_start_date": "2024-01-01", "accrual_size": 3.65},
		{"accrual_start_date": "2024-03-01", "accrual_size": 7.30},
		{"accrual_start_date": "2024-06-01", "accrual_size": 36.5},
	}
	// 10 days into the March entry at 7.30/365 per day.
	got := AccruedPriceAt(schedule, date(2024, 3, 11))
	want := decimal.NewFromFloat(0.2)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestAccruedPriceAtBeforeAnyEntry(t *testing.T) {
	schedule := []map[string]any{
		{"accrual_start_date": "2024-06-01", "accrual_size": 5.0},
	}
	got := AccruedPriceAt(schedule, date(2024, 1, 1))
	if !got.Equal(decimal.Zero) {
		t.Fatalf("got %s", got)
	}
}

func TestFactorAtDefaultsToOne(t *testing.T) {
	got := FactorAt(nil, date(2024, 3, 15))
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("got %s", got)
	}
}

func TestFactorAtPicksLatestEffective(t *testing.T) {
	schedule := []map[string]any{
		{"effective_date": "2024-01-01", "factor_value": 1.0},
		{"effective_date": "2024-02-01", "factor_value": 0.9},
		{"effective_date": "2024-12-01", "factor_value": 0.5},
	}
	got := FactorAt(schedule, date(2024, 6, 1))
	if !got.Equal(decimal.NewFromFloat(0.9)) {
		t.Fatalf("got %s", got)
	}
}

func TestValidateAlpha3(t *testing.T) {
	if err := validateAlpha3("USA"); err != nil {
		t.Fatalf("USA should be valid: %v", err)
	}
	if err := validateAlpha3(""); err != nil {
		t.Fatalf("empty should be allowed: %v", err)
	}
	for _, bad := range []string{"US", "usa1", "U1A"} {
		if err := validateAlpha3(bad); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestRegistryCoversImportableKinds(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{
		ContentTypePortfolio, ContentTypeCurrency, ContentTypeInstrument,
		ContentTypePriceHistory, ContentTypeCurrencyHistory,
	} {
		s, ok := r.Get(ct)
		if !ok {
			t.Fatalf("missing serializer for %s", ct)
		}
		if s.ContentType() != ct {
			t.Fatalf("serializer %s reports %s", ct, s.ContentType())
		}
	}
	if _, ok := r.Get("accounts.account"); ok {
		t.Fatal("unexpected serializer")
	}
}

func TestRelationFields(t *testing.T) {
	m := RelationFields(ContentTypePriceHistory)
	if m["instrument"] != "instruments" || m["pricing_policy"] != "pricing_policies" {
		t.Fatalf("unexpected map %v", m)
	}
	if RelationFields(ContentTypePortfolio) != nil {
		t.Fatal("portfolio has no relations")
	}
}
