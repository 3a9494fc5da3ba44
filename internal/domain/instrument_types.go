package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InstrumentTypeDefaults loads the defaults an instrument inherits from its
// type: pricing currency, payment size detail and the schedule templates.
// The importer seeds these into final inputs before entity fields evaluate,
// so a scheme only has to map what differs per row.
func InstrumentTypeDefaults(ctx context.Context, db DB, userCode string) (map[string]any, error) {
	var (
		paymentSizeDetail, pricingCurrencyCode                             string
		accrualJSON, eventJSON, policiesJSON, underlyingJSON, exposureJSON []byte
	)
	err := db.QueryRow(ctx, `
		SELECT payment_size_detail, pricing_currency_code, accrual_schedule,
		       event_schedule, pricing_policies, underlying_instruments, exposure_currencies
		FROM instrument_types WHERE user_code = $1
	`, userCode).Scan(&paymentSizeDetail, &pricingCurrencyCode, &accrualJSON,
		&eventJSON, &policiesJSON, &underlyingJSON, &exposureJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument type %q not found", userCode)
	}
	if err != nil {
		return nil, fmt.Errorf("load instrument type %q: %w", userCode, err)
	}

	defaults := map[string]any{}
	if paymentSizeDetail != "" {
		defaults["payment_size_detail"] = paymentSizeDetail
	}
	if pricingCurrencyCode != "" {
		defaults["pricing_currency"] = pricingCurrencyCode
	}
	for key, raw := range map[string][]byte{
		"accrual_schedule":       accrualJSON,
		"event_schedule":         eventJSON,
		"pricing_policies":       policiesJSON,
		"underlying_instruments": underlyingJSON,
		"exposure_currencies":    exposureJSON,
	} {
		var list []any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("unmarshal instrument type %s: %w", key, err)
			}
		}
		if len(list) > 0 {
			defaults[key] = list
		}
	}
	return defaults, nil
}
