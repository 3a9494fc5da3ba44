package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// historyKey is the natural key shared by both history kinds: owner id,
// pricing policy id and date.
func historyLookup(ctx context.Context, db DB, table, ownerCol, ownerField string, fields map[string]any) (int64, bool, error) {
	ownerID, ok := fieldInt64(fields, ownerField)
	if !ok {
		return 0, false, fmt.Errorf("%s is required", ownerField)
	}
	policyID, ok := fieldInt64(fields, "pricing_policy")
	if !ok {
		return 0, false, errors.New("pricing_policy is required")
	}
	date, ok := fieldDate(fields, "date")
	if !ok {
		return 0, false, errors.New("date is required")
	}
	var id int64
	err := db.QueryRow(ctx,
		`SELECT id FROM `+table+` WHERE `+ownerCol+` = $1 AND pricing_policy_id = $2 AND date = $3`,
		ownerID, policyID, date).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return id, true, nil
}

type priceHistorySerializer struct{}

func (priceHistorySerializer) ContentType() string { return ContentTypePriceHistory }

func (priceHistorySerializer) Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error) {
	return historyLookup(ctx, db, "price_history", "instrument_id", "instrument", fields)
}

func (s priceHistorySerializer) Create(ctx context.Context, db DB, fields map[string]any) (Entity, error) {
	instrumentID, ok := fieldInt64(fields, "instrument")
	if !ok {
		return Entity{}, errors.New("instrument is required")
	}
	policyID, ok := fieldInt64(fields, "pricing_policy")
	if !ok {
		return Entity{}, errors.New("pricing_policy is required")
	}
	date, ok := fieldDate(fields, "date")
	if !ok {
		return Entity{}, errors.New("date is required")
	}

	accrued, factor, err := BackfillPriceHistoryNulls(ctx, db, instrumentID, date, fields)
	if err != nil {
		return Entity{}, err
	}

	var principal any
	if d, ok := fieldDecimal(fields, "principal_price"); ok {
		principal = d
	}

	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO price_history (instrument_id, pricing_policy_id, date, principal_price, accrued_price, factor)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, instrumentID, policyID, date, principal, accrued, factor).Scan(&id)
	if isUniqueViolation(err) {
		return Entity{}, ErrAlreadyExists
	}
	if err != nil {
		return Entity{}, fmt.Errorf("insert price history: %w", err)
	}
	return Entity{ID: id, ContentType: ContentTypePriceHistory}, nil
}

func (s priceHistorySerializer) Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error) {
	cols := map[string]any{}
	if d, ok := fieldDecimal(fields, "principal_price"); ok {
		cols["principal_price"] = d
	}
	if d, ok := fieldDecimal(fields, "accrued_price"); ok {
		cols["accrued_price"] = d
	}
	if d, ok := fieldDecimal(fields, "factor"); ok {
		cols["factor"] = d
	}
	if err := partialUpdate(ctx, db, "price_history", id, cols); err != nil {
		return Entity{}, err
	}
	return Entity{ID: id, ContentType: ContentTypePriceHistory}, nil
}

func (priceHistorySerializer) Delete(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM price_history WHERE id = $1`, id)
	return err
}

type currencyHistorySerializer struct{}

func (currencyHistorySerializer) ContentType() string { return ContentTypeCurrencyHistory }

func (currencyHistorySerializer) Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error) {
	return historyLookup(ctx, db, "currency_history", "currency_id", "currency", fields)
}

func (s currencyHistorySerializer) Create(ctx context.Context, db DB, fields map[string]any) (Entity, error) {
	currencyID, ok := fieldInt64(fields, "currency")
	if !ok {
		return Entity{}, errors.New("currency is required")
	}
	policyID, ok := fieldInt64(fields, "pricing_policy")
	if !ok {
		return Entity{}, errors.New("pricing_policy is required")
	}
	date, ok := fieldDate(fields, "date")
	if !ok {
		return Entity{}, errors.New("date is required")
	}
	var fxRate any
	if d, ok := fieldDecimal(fields, "fx_rate"); ok {
		fxRate = d
	}

	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO currency_history (currency_id, pricing_policy_id, date, fx_rate)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, currencyID, policyID, date, fxRate).Scan(&id)
	if isUniqueViolation(err) {
		return Entity{}, ErrAlreadyExists
	}
	if err != nil {
		return Entity{}, fmt.Errorf("insert currency history: %w", err)
	}
	return Entity{ID: id, ContentType: ContentTypeCurrencyHistory}, nil
}

func (s currencyHistorySerializer) Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error) {
	cols := map[string]any{}
	if d, ok := fieldDecimal(fields, "fx_rate"); ok {
		cols["fx_rate"] = d
	}
	if err := partialUpdate(ctx, db, "currency_history", id, cols); err != nil {
		return Entity{}, err
	}
	return Entity{ID: id, ContentType: ContentTypeCurrencyHistory}, nil
}

func (currencyHistorySerializer) Delete(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM currency_history WHERE id = $1`, id)
	return err
}

// BackfillPriceHistoryNulls fills accrued_price and factor when the row
// arrives without them. Accrued price comes from the instrument's accrual
// schedule (0 when no entry covers the date), factor from the factor
// schedule (1 when none applies).
func BackfillPriceHistoryNulls(ctx context.Context, db DB, instrumentID int64, date time.Time, fields map[string]any) (decimal.Decimal, decimal.Decimal, error) {
	accrued, haveAccrued := fieldDecimal(fields, "accrued_price")
	factor, haveFactor := fieldDecimal(fields, "factor")
	if haveAccrued && haveFactor {
		return accrued, factor, nil
	}

	var accrualJSON, factorJSON []byte
	err := db.QueryRow(ctx,
		`SELECT accrual_schedule, factor_schedule FROM instruments WHERE id = $1`,
		instrumentID).Scan(&accrualJSON, &factorJSON)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("load instrument %d schedules: %w", instrumentID, err)
	}

	if !haveAccrued {
		var schedule []map[string]any
		if len(accrualJSON) > 0 {
			if err := json.Unmarshal(accrualJSON, &schedule); err != nil {
				return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("unmarshal accrual schedule: %w", err)
			}
		}
		accrued = AccruedPriceAt(schedule, date)
	}
	if !haveFactor {
		var schedule []map[string]any
		if len(factorJSON) > 0 {
			if err := json.Unmarshal(factorJSON, &schedule); err != nil {
				return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("unmarshal factor schedule: %w", err)
			}
		}
		factor = FactorAt(schedule, date)
	}
	return accrued, factor, nil
}

// AccruedPriceAt evaluates the accrual schedule at a date. The applicable
// entry is the one with the latest accrual_start_date not after the date;
// accrued interest grows linearly on an actual/365 basis.
func AccruedPriceAt(schedule []map[string]any, date time.Time) decimal.Decimal {
	var best map[string]any
	var bestStart time.Time
	for _, entry := range schedule {
		start, ok := fieldDate(entry, "accrual_start_date")
		if !ok || start.After(date) {
			continue
		}
		if best == nil || start.After(bestStart) {
			best = entry
			bestStart = start
		}
	}
	if best == nil {
		return decimal.Zero
	}
	size, ok := fieldDecimal(best, "accrual_size")
	if !ok {
		return decimal.Zero
	}
	days := decimal.NewFromInt(int64(date.Sub(bestStart).Hours() / 24))
	return size.Mul(days).Div(decimal.NewFromInt(365))
}

// FactorAt evaluates the factor schedule at a date: the factor_value of the
// latest entry whose effective_date is not after the date, 1 otherwise.
func FactorAt(schedule []map[string]any, date time.Time) decimal.Decimal {
	result := decimal.NewFromInt(1)
	var bestDate time.Time
	found := false
	for _, entry := range schedule {
		effective, ok := fieldDate(entry, "effective_date")
		if !ok || effective.After(date) {
			continue
		}
		if !found || effective.After(bestDate) {
			if value, ok := fieldDecimal(entry, "factor_value"); ok {
				result = value
				bestDate = effective
				found = true
			}
		}
	}
	return result
}
