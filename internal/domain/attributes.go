package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Dynamic attribute value types.
const (
	AttrString     = "string"
	AttrNumber     = "number"
	AttrClassifier = "classifier"
	AttrDate       = "date"
)

// AttributeType describes a user-defined attribute on an entity kind.
type AttributeType struct {
	ID          int64
	UserCode    string
	ContentType string
	Name        string
	ValueType   string
}

// GetAttributeType resolves an attribute type by id.
func GetAttributeType(ctx context.Context, db DB, id int64) (AttributeType, error) {
	var at AttributeType
	err := db.QueryRow(ctx, `
		SELECT id, user_code, content_type, name, value_type FROM attribute_types WHERE id = $1
	`, id).Scan(&at.ID, &at.UserCode, &at.ContentType, &at.Name, &at.ValueType)
	if errors.Is(err, pgx.ErrNoRows) {
		return AttributeType{}, fmt.Errorf("attribute type %d not found", id)
	}
	if err != nil {
		return AttributeType{}, fmt.Errorf("load attribute type %d: %w", id, err)
	}
	return at, nil
}

// ResolveClassifier finds a classifier node by name under an attribute type,
// creating it when the scheme's classifier handler allows.
func ResolveClassifier(ctx context.Context, db DB, attributeTypeID int64, name string, createMissing bool) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		SELECT id FROM classifiers WHERE attribute_type_id = $1 AND name = $2
	`, attributeTypeID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("resolve classifier %q: %w", name, err)
	}
	if !createMissing {
		return 0, fmt.Errorf("classifier %q not found", name)
	}
	err = db.QueryRow(ctx, `
		INSERT INTO classifiers (attribute_type_id, name) VALUES ($1, $2) RETURNING id
	`, attributeTypeID, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create classifier %q: %w", name, err)
	}
	return id, nil
}

// SaveAttribute upserts one dynamic attribute value for an entity. The value
// column is chosen by the attribute type's value type; classifier values
// arrive as names and are resolved first.
func SaveAttribute(ctx context.Context, db DB, at AttributeType, objectID int64, value any, createMissingClassifier bool) error {
	var valueString, valueFloat, valueDate, classifierID any

	switch at.ValueType {
	case AttrString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("attribute %q expects a string, got %T", at.UserCode, value)
		}
		valueString = s
	case AttrNumber:
		switch n := value.(type) {
		case float64:
			valueFloat = n
		case int:
			valueFloat = float64(n)
		case int64:
			valueFloat = float64(n)
		default:
			return fmt.Errorf("attribute %q expects a number, got %T", at.UserCode, value)
		}
	case AttrDate:
		switch d := value.(type) {
		case time.Time:
			valueDate = d
		case string:
			parsed, err := time.Parse("2006-01-02", d)
			if err != nil {
				return fmt.Errorf("attribute %q expects a date: %w", at.UserCode, err)
			}
			valueDate = parsed
		default:
			return fmt.Errorf("attribute %q expects a date, got %T", at.UserCode, value)
		}
	case AttrClassifier:
		name, ok := value.(string)
		if !ok {
			return fmt.Errorf("attribute %q expects a classifier name, got %T", at.UserCode, value)
		}
		id, err := ResolveClassifier(ctx, db, at.ID, name, createMissingClassifier)
		if err != nil {
			return err
		}
		classifierID = id
	default:
		return fmt.Errorf("attribute %q has unknown value type %q", at.UserCode, at.ValueType)
	}

	_, err := db.Exec(ctx, `
		INSERT INTO attributes (attribute_type_id, content_type, object_id, value_string, value_float, value_date, classifier_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (attribute_type_id, content_type, object_id) DO UPDATE SET
			value_string = EXCLUDED.value_string,
			value_float = EXCLUDED.value_float,
			value_date = EXCLUDED.value_date,
			classifier_id = EXCLUDED.classifier_id
	`, at.ID, at.ContentType, objectID, valueString, valueFloat, valueDate, classifierID)
	if err != nil {
		return fmt.Errorf("save attribute %q: %w", at.UserCode, err)
	}
	return nil
}
