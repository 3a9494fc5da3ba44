package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"portfolio-backoffice/internal/models"
)

// SaveScheme inserts or replaces an import scheme, keyed by user_code within
// a space. Column, calculated-field and entity-field lists are stored as
// JSONB documents and replaced wholesale on update.
func (s *Store) SaveScheme(ctx context.Context, spaceCode string, scheme models.ImportScheme) (models.ImportScheme, error) {
	if scheme.UserCode == "" {
		return models.ImportScheme{}, errors.New("scheme user_code is required")
	}
	scheme = scheme.Defaulted()

	columnsJSON, err := json.Marshal(scheme.Columns)
	if err != nil {
		return models.ImportScheme{}, fmt.Errorf("marshal columns: %w", err)
	}
	calculatedJSON, err := json.Marshal(scheme.CalculatedFields)
	if err != nil {
		return models.ImportScheme{}, fmt.Errorf("marshal calculated fields: %w", err)
	}
	entityJSON, err := json.Marshal(scheme.EntityFields)
	if err != nil {
		return models.ImportScheme{}, fmt.Errorf("marshal entity fields: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO import_schemes (
			space_code, user_code, name, content_type, delimiter, error_handler,
			missing_data_handler, classifier_handler, mode, column_matcher,
			spreadsheet_start_cell, spreadsheet_active_tab,
			data_preprocess_expression, filter_expression, post_process_expression,
			instrument_type_user_code, columns, calculated_fields, entity_fields
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (space_code, user_code) DO UPDATE SET
			name = EXCLUDED.name,
			content_type = EXCLUDED.content_type,
			delimiter = EXCLUDED.delimiter,
			error_handler = EXCLUDED.error_handler,
			missing_data_handler = EXCLUDED.missing_data_handler,
			classifier_handler = EXCLUDED.classifier_handler,
			mode = EXCLUDED.mode,
			column_matcher = EXCLUDED.column_matcher,
			spreadsheet_start_cell = EXCLUDED.spreadsheet_start_cell,
			spreadsheet_active_tab = EXCLUDED.spreadsheet_active_tab,
			data_preprocess_expression = EXCLUDED.data_preprocess_expression,
			filter_expression = EXCLUDED.filter_expression,
			post_process_expression = EXCLUDED.post_process_expression,
			instrument_type_user_code = EXCLUDED.instrument_type_user_code,
			columns = EXCLUDED.columns,
			calculated_fields = EXCLUDED.calculated_fields,
			entity_fields = EXCLUDED.entity_fields
		RETURNING id
	`, spaceCode, scheme.UserCode, scheme.Name, scheme.ContentType, scheme.Delimiter,
		scheme.ErrorHandler, scheme.MissingDataHandler, scheme.ClassifierHandler,
		scheme.Mode, scheme.ColumnMatcher, scheme.SpreadsheetStartCell,
		scheme.SpreadsheetActiveTab, scheme.DataPreprocessExpr, scheme.FilterExpr,
		scheme.PostProcessExpr, scheme.InstrumentTypeCode, columnsJSON, calculatedJSON,
		entityJSON).Scan(&id)
	if err != nil {
		return models.ImportScheme{}, fmt.Errorf("save scheme: %w", err)
	}
	scheme.ID = id
	return scheme, nil
}

// GetScheme fetches a scheme by id.
func (s *Store) GetScheme(ctx context.Context, id int64) (models.ImportScheme, error) {
	return s.getScheme(ctx, `WHERE id = $1`, id)
}

// GetSchemeByUserCode fetches a scheme by its user code within a space.
func (s *Store) GetSchemeByUserCode(ctx context.Context, spaceCode, userCode string) (models.ImportScheme, error) {
	return s.getScheme(ctx, `WHERE space_code = $1 AND user_code = $2`, spaceCode, userCode)
}

const schemeColumns = `id, user_code, name, content_type, delimiter, error_handler,
	missing_data_handler, classifier_handler, mode, column_matcher,
	spreadsheet_start_cell, spreadsheet_active_tab,
	data_preprocess_expression, filter_expression, post_process_expression,
	instrument_type_user_code, columns, calculated_fields, entity_fields`

func (s *Store) getScheme(ctx context.Context, where string, args ...any) (models.ImportScheme, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+schemeColumns+` FROM import_schemes `+where, args...)
	scheme, err := scanScheme(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImportScheme{}, fmt.Errorf("scheme: %w", ErrNotFound)
	}
	return scheme, err
}

func scanScheme(row rowScanner) (models.ImportScheme, error) {
	var scheme models.ImportScheme
	var classifierHandler, instrumentType pgtype.Text
	var columnsJSON, calculatedJSON, entityJSON []byte

	err := row.Scan(
		&scheme.ID, &scheme.UserCode, &scheme.Name, &scheme.ContentType,
		&scheme.Delimiter, &scheme.ErrorHandler, &scheme.MissingDataHandler,
		&classifierHandler, &scheme.Mode, &scheme.ColumnMatcher,
		&scheme.SpreadsheetStartCell, &scheme.SpreadsheetActiveTab,
		&scheme.DataPreprocessExpr, &scheme.FilterExpr, &scheme.PostProcessExpr,
		&instrumentType, &columnsJSON, &calculatedJSON, &entityJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImportScheme{}, err
	}
	if err != nil {
		return models.ImportScheme{}, fmt.Errorf("scan scheme: %w", err)
	}
	scheme.ClassifierHandler = classifierHandler.String
	scheme.InstrumentTypeCode = instrumentType.String

	if err := json.Unmarshal(columnsJSON, &scheme.Columns); err != nil {
		return models.ImportScheme{}, fmt.Errorf("unmarshal columns: %w", err)
	}
	if err := json.Unmarshal(calculatedJSON, &scheme.CalculatedFields); err != nil {
		return models.ImportScheme{}, fmt.Errorf("unmarshal calculated fields: %w", err)
	}
	if err := json.Unmarshal(entityJSON, &scheme.EntityFields); err != nil {
		return models.ImportScheme{}, fmt.Errorf("unmarshal entity fields: %w", err)
	}
	return scheme, nil
}

// ListSchemes returns all schemes for a space ordered by user_code.
func (s *Store) ListSchemes(ctx context.Context, spaceCode string) ([]models.ImportScheme, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+schemeColumns+` FROM import_schemes WHERE space_code = $1 ORDER BY user_code
	`, spaceCode)
	if err != nil {
		return nil, fmt.Errorf("list schemes: %w", err)
	}
	defer rows.Close()

	var out []models.ImportScheme
	for rows.Next() {
		scheme, err := scanScheme(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scheme)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
