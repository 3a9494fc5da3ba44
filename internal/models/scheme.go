package models

// Error handling policy while iterating rows.
const (
	ErrorHandlerContinue = "continue"
	ErrorHandlerBreak    = "break"
)

// What to do when an existing entity matches the incoming row.
const (
	ModeSkip      = "skip"
	ModeOverwrite = "overwrite"
)

// Missing-data policy for entity fields that evaluate to nil.
const (
	MissingDataThrowError  = "throw_error"
	MissingDataSetDefaults = "set_defaults"
)

// How raw values are matched to scheme columns.
const (
	ColumnMatcherIndex = "index"
	ColumnMatcherName  = "name"
)

// Import file formats. FormatInline means items arrive in the request body.
const (
	FormatInline = "inline"
	FormatJSON   = "json"
	FormatCSV    = "csv"
	FormatXLSX   = "xlsx"
)

// SchemeColumn maps one source column to a named input.
type SchemeColumn struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ColumnName   string `json:"column_name"`
	Order        int    `json:"order"`
	NameExpr     string `json:"name_expr"`
	UseDefault   bool   `json:"use_default"`
	DefaultValue string `json:"default_value"`
}

// CalculatedField derives a value from raw and previously calculated inputs.
type CalculatedField struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	NameExpr string `json:"name_expr"`
}

// EntityField maps evaluated inputs onto an attribute of the target entity.
// SystemPropertyKey names a model field, DynamicAttributeID a user attribute;
// exactly one of them is set.
type EntityField struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Order              int    `json:"order"`
	Expression         string `json:"expression"`
	SystemPropertyKey  string `json:"system_property_key,omitempty"`
	DynamicAttributeID *int64 `json:"dynamic_attribute_id,omitempty"`
	UseDefault         bool   `json:"use_default"`
}

// ImportScheme is the user-authored description of how a file becomes entities.
type ImportScheme struct {
	ID                   int64             `json:"id"`
	UserCode             string            `json:"user_code"`
	Name                 string            `json:"name"`
	ContentType          string            `json:"content_type"`
	Delimiter            string            `json:"delimiter"`
	ErrorHandler         string            `json:"error_handler"`
	MissingDataHandler   string            `json:"missing_data_handler"`
	ClassifierHandler    string            `json:"classifier_handler"`
	Mode                 string            `json:"mode"`
	ColumnMatcher        string            `json:"column_matcher"`
	SpreadsheetStartCell string            `json:"spreadsheet_start_cell"`
	SpreadsheetActiveTab string            `json:"spreadsheet_active_tab"`
	DataPreprocessExpr   string            `json:"data_preprocess_expression"`
	FilterExpr           string            `json:"filter_expression"`
	PostProcessExpr      string            `json:"post_process_expression"`
	InstrumentTypeCode   string            `json:"instrument_type_user_code,omitempty"`
	Columns              []SchemeColumn    `json:"columns"`
	CalculatedFields     []CalculatedField `json:"calculated_fields"`
	EntityFields         []EntityField     `json:"entity_fields"`
}

// Defaulted returns the scheme with unset policies replaced by defaults.
func (s ImportScheme) Defaulted() ImportScheme {
	if s.Delimiter == "" {
		s.Delimiter = ","
	}
	if s.ErrorHandler == "" {
		s.ErrorHandler = ErrorHandlerContinue
	}
	if s.MissingDataHandler == "" {
		s.MissingDataHandler = MissingDataThrowError
	}
	if s.Mode == "" {
		s.Mode = ModeSkip
	}
	if s.ColumnMatcher == "" {
		s.ColumnMatcher = ColumnMatcherIndex
	}
	if s.SpreadsheetStartCell == "" {
		s.SpreadsheetStartCell = "A1"
	}
	return s
}
