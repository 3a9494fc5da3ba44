package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// lookupByUserCode is the natural key for every non-history entity.
func lookupByUserCode(ctx context.Context, db DB, table string, fields map[string]any) (int64, bool, error) {
	userCode := fieldString(fields, "user_code")
	if userCode == "" {
		return 0, false, errors.New("user_code is required")
	}
	var id int64
	err := db.QueryRow(ctx, `SELECT id FROM `+table+` WHERE user_code = $1`, userCode).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s %q: %w", table, userCode, err)
	}
	return id, true, nil
}

// partialUpdate sets only the provided columns.
func partialUpdate(ctx context.Context, db DB, table string, id int64, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}
	sets := make([]string, 0, len(columns))
	args := []any{id}
	i := 2
	for col, val := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	_, err := db.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", table, id, err)
	}
	return nil
}

type portfolioSerializer struct{}

func (portfolioSerializer) ContentType() string { return ContentTypePortfolio }

func (portfolioSerializer) Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error) {
	return lookupByUserCode(ctx, db, "portfolios", fields)
}

func (s portfolioSerializer) columns(fields map[string]any) map[string]any {
	cols := map[string]any{}
	for _, key := range []string{"name", "short_name", "public_name", "notes"} {
		if _, ok := fields[key]; ok {
			cols[key] = fieldString(fields, key)
		}
	}
	return cols
}

func (s portfolioSerializer) Create(ctx context.Context, db DB, fields map[string]any) (Entity, error) {
	userCode := fieldString(fields, "user_code")
	if userCode == "" {
		return Entity{}, errors.New("user_code is required")
	}
	name := fieldString(fields, "name")
	if name == "" {
		name = userCode
	}
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO portfolios (user_code, name, short_name, public_name, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, userCode, name, fieldString(fields, "short_name"), fieldString(fields, "public_name"),
		fieldString(fields, "notes")).Scan(&id)
	if isUniqueViolation(err) {
		return Entity{}, ErrAlreadyExists
	}
	if err != nil {
		return Entity{}, fmt.Errorf("insert portfolio: %w", err)
	}
	return Entity{ID: id, UserCode: userCode, ContentType: ContentTypePortfolio}, nil
}

func (s portfolioSerializer) Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error) {
	if err := partialUpdate(ctx, db, "portfolios", id, s.columns(fields)); err != nil {
		return Entity{}, err
	}
	return Entity{ID: id, UserCode: fieldString(fields, "user_code"), ContentType: ContentTypePortfolio}, nil
}

func (portfolioSerializer) Delete(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM portfolios WHERE id = $1`, id)
	return err
}

type currencySerializer struct{}

func (currencySerializer) ContentType() string { return ContentTypeCurrency }

func (currencySerializer) Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error) {
	return lookupByUserCode(ctx, db, "currencies", fields)
}

func validateAlpha3(code string) error {
	if code == "" {
		return nil
	}
	if len(code) != 3 {
		return fmt.Errorf("country code %q is not alpha-3", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("country code %q is not alpha-3", code)
		}
	}
	return nil
}

func (s currencySerializer) Create(ctx context.Context, db DB, fields map[string]any) (Entity, error) {
	userCode := fieldString(fields, "user_code")
	if userCode == "" {
		return Entity{}, errors.New("user_code is required")
	}
	country := strings.ToUpper(fieldString(fields, "country_alpha_3"))
	if err := validateAlpha3(country); err != nil {
		return Entity{}, err
	}
	name := fieldString(fields, "name")
	if name == "" {
		name = userCode
	}
	fxRate := 1.0
	if d, ok := fieldDecimal(fields, "default_fx_rate"); ok {
		fxRate, _ = d.Float64()
	}
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO currencies (user_code, name, country_alpha_3, default_fx_rate)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userCode, name, country, fxRate).Scan(&id)
	if isUniqueViolation(err) {
		return Entity{}, ErrAlreadyExists
	}
	if err != nil {
		return Entity{}, fmt.Errorf("insert currency: %w", err)
	}
	return Entity{ID: id, UserCode: userCode, ContentType: ContentTypeCurrency}, nil
}

func (s currencySerializer) Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error) {
	cols := map[string]any{}
	if _, ok := fields["name"]; ok {
		cols["name"] = fieldString(fields, "name")
	}
	if _, ok := fields["country_alpha_3"]; ok {
		country := strings.ToUpper(fieldString(fields, "country_alpha_3"))
		if err := validateAlpha3(country); err != nil {
			return Entity{}, err
		}
		cols["country_alpha_3"] = country
	}
	if d, ok := fieldDecimal(fields, "default_fx_rate"); ok {
		f, _ := d.Float64()
		cols["default_fx_rate"] = f
	}
	if err := partialUpdate(ctx, db, "currencies", id, cols); err != nil {
		return Entity{}, err
	}
	return Entity{ID: id, UserCode: fieldString(fields, "user_code"), ContentType: ContentTypeCurrency}, nil
}

func (currencySerializer) Delete(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM currencies WHERE id = $1`, id)
	return err
}

type instrumentSerializer struct{}

func (instrumentSerializer) ContentType() string { return ContentTypeInstrument }

func (instrumentSerializer) Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error) {
	return lookupByUserCode(ctx, db, "instruments", fields)
}

func scheduleJSON(fields map[string]any, key string) ([]byte, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return []byte("[]"), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", key, err)
	}
	return body, nil
}

func (s instrumentSerializer) Create(ctx context.Context, db DB, fields map[string]any) (Entity, error) {
	userCode := fieldString(fields, "user_code")
	if userCode == "" {
		return Entity{}, errors.New("user_code is required")
	}
	name := fieldString(fields, "name")
	if name == "" {
		name = userCode
	}

	var typeID, pricingCcyID, accruedCcyID any
	if id, ok := fieldInt64(fields, "instrument_type"); ok {
		typeID = id
	}
	if id, ok := fieldInt64(fields, "pricing_currency"); ok {
		pricingCcyID = id
	}
	if id, ok := fieldInt64(fields, "accrued_currency"); ok {
		accruedCcyID = id
	}

	var maturity any
	if d, ok := fieldDate(fields, "maturity_date"); ok {
		maturity = d
	}
	accrual, err := scheduleJSON(fields, "accrual_schedule")
	if err != nil {
		return Entity{}, err
	}
	factor, err := scheduleJSON(fields, "factor_schedule")
	if err != nil {
		return Entity{}, err
	}

	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO instruments (user_code, name, instrument_type_id, pricing_currency_id,
			accrued_currency_id, payment_size_detail, maturity_date, accrual_schedule, factor_schedule)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, userCode, name, typeID, pricingCcyID, accruedCcyID,
		fieldString(fields, "payment_size_detail"), maturity, accrual, factor).Scan(&id)
	if isUniqueViolation(err) {
		return Entity{}, ErrAlreadyExists
	}
	if err != nil {
		return Entity{}, fmt.Errorf("insert instrument: %w", err)
	}
	return Entity{ID: id, UserCode: userCode, ContentType: ContentTypeInstrument}, nil
}

func (s instrumentSerializer) Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error) {
	cols := map[string]any{}
	if _, ok := fields["name"]; ok {
		cols["name"] = fieldString(fields, "name")
	}
	if _, ok := fields["payment_size_detail"]; ok {
		cols["payment_size_detail"] = fieldString(fields, "payment_size_detail")
	}
	if relID, ok := fieldInt64(fields, "instrument_type"); ok {
		cols["instrument_type_id"] = relID
	}
	if relID, ok := fieldInt64(fields, "pricing_currency"); ok {
		cols["pricing_currency_id"] = relID
	}
	if relID, ok := fieldInt64(fields, "accrued_currency"); ok {
		cols["accrued_currency_id"] = relID
	}
	if d, ok := fieldDate(fields, "maturity_date"); ok {
		cols["maturity_date"] = d
	}
	for _, key := range []string{"accrual_schedule", "factor_schedule"} {
		if _, ok := fields[key]; ok {
			body, err := scheduleJSON(fields, key)
			if err != nil {
				return Entity{}, err
			}
			cols[key] = body
		}
	}
	if err := partialUpdate(ctx, db, "instruments", id, cols); err != nil {
		return Entity{}, err
	}
	return Entity{ID: id, UserCode: fieldString(fields, "user_code"), ContentType: ContentTypeInstrument}, nil
}

func (instrumentSerializer) Delete(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM instruments WHERE id = $1`, id)
	return err
}
