package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// MessageSink delivers system messages to the tenant's feed.
type MessageSink interface {
	Send(ctx context.Context, spaceCode, title, description string) error
}

// ProcedureRunner launches a named data procedure; the worker wires it to
// the broker so procedures run as child tasks.
type ProcedureRunner func(ctx context.Context, userCode string, inputs map[string]any) error

// Services exposes tenant domain state to expressions. One instance per
// import run, bound to that run's tenant session.
type Services struct {
	db        DB
	spaceCode string
	messages  MessageSink
	runProc   ProcedureRunner
}

// NewServices builds the expression service surface for one tenant session.
func NewServices(db DB, spaceCode string, messages MessageSink, runProc ProcedureRunner) *Services {
	return &Services{db: db, spaceCode: spaceCode, messages: messages, runProc: runProc}
}

func (s *Services) GetInstrument(ctx context.Context, userCode string) (map[string]any, error) {
	var (
		id                                 int64
		name, paymentSizeDetail            string
		typeID, pricingCcyID, accruedCcyID *int64
		maturity                           *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, payment_size_detail, instrument_type_id, pricing_currency_id, accrued_currency_id, maturity_date
		FROM instruments WHERE user_code = $1
	`, userCode).Scan(&id, &name, &paymentSizeDetail, &typeID, &pricingCcyID, &accruedCcyID, &maturity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %q not found", userCode)
	}
	if err != nil {
		return nil, fmt.Errorf("load instrument %q: %w", userCode, err)
	}
	out := map[string]any{
		"id":                  float64(id),
		"user_code":           userCode,
		"name":                name,
		"payment_size_detail": paymentSizeDetail,
	}
	if maturity != nil {
		out["maturity_date"] = *maturity
	}
	return out, nil
}

func (s *Services) GetCurrency(ctx context.Context, userCode string) (map[string]any, error) {
	var (
		id            int64
		name, country string
		defaultFx     float64
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, country_alpha_3, default_fx_rate FROM currencies WHERE user_code = $1
	`, userCode).Scan(&id, &name, &country, &defaultFx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("currency %q not found", userCode)
	}
	if err != nil {
		return nil, fmt.Errorf("load currency %q: %w", userCode, err)
	}
	return map[string]any{
		"id":              float64(id),
		"user_code":       userCode,
		"name":            name,
		"country_alpha_3": country,
		"default_fx_rate": defaultFx,
	}, nil
}

// GetFxRate returns the rate recorded for the date, falling back to the
// currency's default rate when no history row exists.
func (s *Services) GetFxRate(ctx context.Context, currencyCode, date string) (float64, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	var rate *float64
	err = s.db.QueryRow(ctx, `
		SELECT ch.fx_rate
		FROM currency_history ch
		JOIN currencies c ON c.id = ch.currency_id
		WHERE c.user_code = $1 AND ch.date = $2
		ORDER BY ch.id DESC LIMIT 1
	`, currencyCode, day).Scan(&rate)
	if err == nil && rate != nil {
		return *rate, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("load fx rate %s@%s: %w", currencyCode, date, err)
	}

	var defaultFx float64
	err = s.db.QueryRow(ctx, `SELECT default_fx_rate FROM currencies WHERE user_code = $1`, currencyCode).Scan(&defaultFx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("currency %q not found", currencyCode)
	}
	if err != nil {
		return 0, fmt.Errorf("load currency %q: %w", currencyCode, err)
	}
	return defaultFx, nil
}

// AddPriceHistory persists a price point from an expression. Relations
// arrive as user codes; an existing point for the same key is overwritten.
func (s *Services) AddPriceHistory(ctx context.Context, fields map[string]any) error {
	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		resolved[k] = v
	}
	for field, table := range RelationFields(ContentTypePriceHistory) {
		code := fieldString(fields, field)
		if code == "" {
			return fmt.Errorf("%s is required", field)
		}
		id, err := ResolveRelation(ctx, s.db, table, code)
		if err != nil {
			return err
		}
		resolved[field] = id
	}

	serializer := priceHistorySerializer{}
	if id, found, err := serializer.Lookup(ctx, s.db, resolved); err != nil {
		return err
	} else if found {
		_, err = serializer.Update(ctx, s.db, id, resolved)
		return err
	}
	_, err := serializer.Create(ctx, s.db, resolved)
	return err
}

func (s *Services) SendSystemMessage(ctx context.Context, title, description string) error {
	if s.messages == nil {
		return errors.New("message sink is not configured")
	}
	return s.messages.Send(ctx, s.spaceCode, title, description)
}

// RebookTransaction upserts a transaction by its code and returns the
// booked state.
func (s *Services) RebookTransaction(ctx context.Context, transactionCode string, inputs map[string]any) (map[string]any, error) {
	if transactionCode == "" {
		return nil, errors.New("transaction_code is required")
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO transactions (transaction_code, inputs, booked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (transaction_code) DO UPDATE SET inputs = EXCLUDED.inputs, booked_at = NOW()
		RETURNING id
	`, transactionCode, inputsJSON).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("rebook transaction %q: %w", transactionCode, err)
	}
	return map[string]any{
		"id":               float64(id),
		"transaction_code": transactionCode,
		"inputs":           inputs,
	}, nil
}

func (s *Services) RunDataProcedure(ctx context.Context, userCode string, inputs map[string]any) error {
	if s.runProc == nil {
		return errors.New("data procedures are not available in this context")
	}
	return s.runProc(ctx, userCode, inputs)
}
