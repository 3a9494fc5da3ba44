package models

// Per-row outcomes of an import run.
const (
	RowStatusInit    = "init"
	RowStatusSuccess = "success"
	RowStatusError   = "error"
	RowStatusSkip    = "skip"
)

// RowResult captures everything that happened to one source row. All four
// input layers are kept so the JSON report can show the full derivation.
type RowResult struct {
	RowNumber        int            `json:"row_number"`
	Status           string         `json:"status"`
	Message          string         `json:"message,omitempty"`
	FileInputs       []any          `json:"file_inputs,omitempty"`
	RawInputs        map[string]any `json:"raw_inputs,omitempty"`
	ConversionInputs map[string]any `json:"conversion_inputs,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	FinalInputs      map[string]any `json:"final_inputs,omitempty"`
	ConversionErrors []string       `json:"conversion_errors,omitempty"`
	ImportedItems    []ImportedItem `json:"imported_items,omitempty"`
}

// ImportedItem identifies an entity created or updated by a row.
type ImportedItem struct {
	ID          int64  `json:"id"`
	UserCode    string `json:"user_code"`
	ContentType string `json:"content_type"`
	Mode        string `json:"mode"`
}

// ImportResult is the aggregate outcome stored in task.result.
type ImportResult struct {
	TaskID        int64       `json:"task_id"`
	SchemeID      int64       `json:"scheme_id"`
	FileName      string      `json:"file_name,omitempty"`
	TotalRows     int         `json:"total_rows"`
	SuccessCount  int         `json:"success_count"`
	ErrorCount    int         `json:"error_count"`
	SkipCount     int         `json:"skip_count"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Items         []RowResult `json:"items"`
	ReportFileURL string      `json:"report_file_url,omitempty"`
	DetailFileURL string      `json:"detail_file_url,omitempty"`
}
