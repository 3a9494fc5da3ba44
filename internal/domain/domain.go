// Package domain holds the tenant entity layer: validating serializers for
// the importable entity kinds, relation and classifier resolution, and the
// service surface exposed to expressions. All queries run unqualified and
// rely on the caller binding a tenant search_path first.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Importable entity kinds.
const (
	ContentTypePortfolio       = "portfolios.portfolio"
	ContentTypeCurrency        = "currencies.currency"
	ContentTypeInstrument      = "instruments.instrument"
	ContentTypePriceHistory    = "instruments.pricehistory"
	ContentTypeCurrencyHistory = "currencies.currencyhistory"
)

// DB is the query surface serializers need. *store.Session satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entity identifies a persisted row after create or update.
type Entity struct {
	ID          int64
	UserCode    string
	ContentType string
}

// ErrAlreadyExists signals a duplicate natural key in skip mode.
var ErrAlreadyExists = errors.New("entry already exists")

// Serializer validates and persists one entity kind.
type Serializer interface {
	ContentType() string
	// Lookup resolves an existing row by the kind's natural key.
	Lookup(ctx context.Context, db DB, fields map[string]any) (int64, bool, error)
	Create(ctx context.Context, db DB, fields map[string]any) (Entity, error)
	Update(ctx context.Context, db DB, id int64, fields map[string]any) (Entity, error)
	Delete(ctx context.Context, db DB, id int64) error
}

// Registry maps content types to serializers.
type Registry struct {
	serializers map[string]Serializer
}

// NewRegistry wires every importable entity kind.
func NewRegistry() *Registry {
	r := &Registry{serializers: map[string]Serializer{}}
	for _, s := range []Serializer{
		&portfolioSerializer{},
		&currencySerializer{},
		&instrumentSerializer{},
		&priceHistorySerializer{},
		&currencyHistorySerializer{},
	} {
		r.serializers[s.ContentType()] = s
	}
	return r
}

// Get returns the serializer for a content type.
func (r *Registry) Get(contentType string) (Serializer, bool) {
	s, ok := r.serializers[contentType]
	return s, ok
}

// relationFields maps entity-field keys to the table resolving their
// user_code. The importer swaps codes for ids before handing fields to a
// serializer.
var relationFields = map[string]map[string]string{
	ContentTypeInstrument: {
		"instrument_type":  "instrument_types",
		"pricing_currency": "currencies",
		"accrued_currency": "currencies",
	},
	ContentTypePriceHistory: {
		"instrument":     "instruments",
		"pricing_policy": "pricing_policies",
	},
	ContentTypeCurrencyHistory: {
		"currency":       "currencies",
		"pricing_policy": "pricing_policies",
	},
}

// RelationFields returns the relation map for a content type.
func RelationFields(contentType string) map[string]string {
	return relationFields[contentType]
}

// ResolveRelation turns a user_code into the related row's id.
func ResolveRelation(ctx context.Context, db DB, table, userCode string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `SELECT id FROM `+table+` WHERE user_code = $1`, userCode).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s %q not found", table, userCode)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", table, userCode, err)
	}
	return id, nil
}

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		if v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func fieldInt64(fields map[string]any, key string) (int64, bool) {
	v, ok := fields[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func fieldDecimal(fields map[string]any, key string) (decimal.Decimal, bool) {
	v, ok := fields[key]
	if !ok || v == nil {
		return decimal.Decimal{}, false
	}
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

func fieldDate(fields map[string]any, key string) (time.Time, bool) {
	v, ok := fields[key]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse("2006-01-02", t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
