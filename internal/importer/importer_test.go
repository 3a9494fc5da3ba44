package importer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/eval"
	"portfolio-backoffice/internal/models"
)

type fakeSerializer struct {
	contentType string
	nextID      int64
	entities    map[string]int64
	created     []map[string]any
	updated     []map[string]any
}

func newFakeSerializer(contentType string) *fakeSerializer {
	return &fakeSerializer{contentType: contentType, entities: map[string]int64{}}
}

func (f *fakeSerializer) ContentType() string { return f.contentType }

func (f *fakeSerializer) Lookup(_ context.Context, _ domain.DB, fields map[string]any) (int64, bool, error) {
	userCode, _ := fields["user_code"].(string)
	if userCode == "" {
		return 0, false, errors.New("user_code is required")
	}
	id, ok := f.entities[userCode]
	return id, ok, nil
}

func (f *fakeSerializer) Create(_ context.Context, _ domain.DB, fields map[string]any) (domain.Entity, error) {
	userCode, _ := fields["user_code"].(string)
	f.nextID++
	f.entities[userCode] = f.nextID
	f.created = append(f.created, fields)
	return domain.Entity{ID: f.nextID, UserCode: userCode, ContentType: f.contentType}, nil
}

func (f *fakeSerializer) Update(_ context.Context, _ domain.DB, id int64, fields map[string]any) (domain.Entity, error) {
	f.updated = append(f.updated, fields)
	userCode, _ := fields["user_code"].(string)
	return domain.Entity{ID: id, UserCode: userCode, ContentType: f.contentType}, nil
}

func (f *fakeSerializer) Delete(_ context.Context, _ domain.DB, _ int64) error { return nil }

type fakeRegistry map[string]domain.Serializer

func (f fakeRegistry) Get(contentType string) (domain.Serializer, bool) {
	s, ok := f[contentType]
	return s, ok
}

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{files: map[string][]byte{}} }

func (m *memStorage) Save(_ context.Context, key string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = body
	return "mem://" + key, nil
}

func (m *memStorage) Open(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.files[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *memStorage) ListDir(_ context.Context, _ string) ([]string, error) { return nil, nil }

type memSink struct {
	titles []string
}

func (m *memSink) Send(_ context.Context, _, title, _ string) error {
	m.titles = append(m.titles, title)
	return nil
}

func newTestImporter(reg SerializerRegistry, blob *memStorage, sink *memSink) *Importer {
	return New(eval.New(), reg, blob, sink, 100, zerolog.Nop())
}

func portfolioScheme() models.ImportScheme {
	return models.ImportScheme{
		ID:          1,
		UserCode:    "portfolio-import",
		ContentType: domain.ContentTypePortfolio,
		Columns: []models.SchemeColumn{
			{Name: "code", Order: 0},
			{Name: "name", Order: 1, NameExpr: `upper(value)`},
		},
		EntityFields: []models.EntityField{
			{Name: "user_code", Expression: "code", SystemPropertyKey: "user_code"},
			{Name: "name", Expression: "name", SystemPropertyKey: "name"},
		},
	}
}

func runParams(scheme models.ImportScheme, body string) RunParams {
	return RunParams{
		Task:      &models.Task{ID: 42},
		Scheme:    scheme,
		SpaceCode: "space00000",
		FileName:  "portfolios.csv",
		FileBody:  []byte(body),
	}
}

func TestImportCSVSuccess(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	blob := newMemStorage()
	sink := &memSink{}
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, blob, sink)

	var lastProgress models.Progress
	p := runParams(portfolioScheme(), "code,name\nP1,alpha\nP2,beta\n")
	p.Progress = func(pr models.Progress) { lastProgress = pr }

	result, err := imp.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalRows != 2 || result.SuccessCount != 2 || result.ErrorCount != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(ser.created) != 2 {
		t.Fatalf("expected 2 creates, got %d", len(ser.created))
	}
	if ser.created[0]["name"] != "ALPHA" {
		t.Fatalf("conversion not applied: %v", ser.created[0])
	}
	if lastProgress.Percent != 100 {
		t.Fatalf("final progress %d", lastProgress.Percent)
	}
	if len(result.Items) != 2 || result.Items[0].Status != models.RowStatusSuccess {
		t.Fatalf("unexpected items: %+v", result.Items)
	}
	if result.Items[0].ImportedItems[0].UserCode != "P1" {
		t.Fatalf("imported item: %+v", result.Items[0].ImportedItems)
	}
	if result.ReportFileURL == "" || result.DetailFileURL == "" {
		t.Fatalf("report urls missing: %+v", result)
	}
	if len(blob.files) != 2 {
		t.Fatalf("expected two report files, got %d", len(blob.files))
	}
	if len(sink.titles) < 2 || sink.titles[0] != "Import started" {
		t.Fatalf("messages: %v", sink.titles)
	}
}

func TestImportSkipModeDuplicate(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	ser.entities["P1"] = 99
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	result, err := imp.Run(context.Background(), runParams(portfolioScheme(), "code,name\nP1,alpha\nP2,beta\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ErrorCount != 1 || result.SuccessCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.Items[0].Message != "Entry already exists" {
		t.Fatalf("got message %q", result.Items[0].Message)
	}
	if len(ser.updated) != 0 {
		t.Fatal("skip mode must not update")
	}
}

func TestImportOverwriteUpdates(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	ser.entities["P1"] = 99
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.Mode = models.ModeOverwrite
	result, err := imp.Run(context.Background(), runParams(scheme, "code,name\nP1,alpha\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(ser.updated) != 1 || len(ser.created) != 0 {
		t.Fatalf("expected one update, got updated=%d created=%d", len(ser.updated), len(ser.created))
	}
}

func TestBreakPolicyAborts(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	ser.entities["P1"] = 99
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.ErrorHandler = models.ErrorHandlerBreak
	result, err := imp.Run(context.Background(), runParams(scheme, "code,name\nP1,alpha\nP2,beta\n"))
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("processing should stop at the failing row, got %d items", len(result.Items))
	}
	if len(ser.created) != 0 {
		t.Fatal("nothing should be created after the break")
	}
}

func TestFilterSkipsRows(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.FilterExpr = `code != "P1"`
	result, err := imp.Run(context.Background(), runParams(scheme, "code,name\nP1,alpha\nP2,beta\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SkipCount != 1 || result.SuccessCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.Items[0].Status != models.RowStatusSkip || result.Items[0].Message != "Skipped due filter" {
		t.Fatalf("unexpected skip row: %+v", result.Items[0])
	}
}

func TestRaisingFilterSkips(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.FilterExpr = `unknown_binding > 1`
	result, err := imp.Run(context.Background(), runParams(scheme, "code,name\nP1,alpha\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SkipCount != 1 {
		t.Fatalf("raising filter should skip: %+v", result)
	}
}

func TestZeroRowsCompletes(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	result, err := imp.Run(context.Background(), runParams(portfolioScheme(), "code,name\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalRows != 0 || len(result.Items) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestConversionFailureYieldsNil(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.Columns = append(scheme.Columns, models.SchemeColumn{
		Name: "price", Order: 2, NameExpr: `float(value)`,
	})
	result, err := imp.Run(context.Background(), runParams(scheme, "code,name,price\nP1,alpha,not-a-number\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	row := result.Items[0]
	if len(row.ConversionErrors) != 1 {
		t.Fatalf("expected one conversion error, got %v", row.ConversionErrors)
	}
	if row.ConversionInputs["price"] != nil {
		t.Fatalf("failed conversion must be nil, got %v", row.ConversionInputs["price"])
	}
	// The row itself still imports.
	if row.Status != models.RowStatusSuccess {
		t.Fatalf("row status %s", row.Status)
	}
}

func TestCalculatedFieldForwardReference(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	// "doubled" references "base", declared after it; the second pass
	// resolves the reference.
	scheme.CalculatedFields = []models.CalculatedField{
		{Name: "doubled", Order: 0, NameExpr: `base * 2`},
		{Name: "base", Order: 1, NameExpr: `float(code_num)`},
	}
	scheme.Columns = append(scheme.Columns, models.SchemeColumn{Name: "code_num", Order: 2})
	scheme.EntityFields = append(scheme.EntityFields, models.EntityField{
		Name: "notes", Expression: `str(doubled)`, SystemPropertyKey: "notes",
	})

	result, err := imp.Run(context.Background(), runParams(scheme, "code,name,num\nP1,alpha,21\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if ser.created[0]["notes"] != "42" {
		t.Fatalf("forward reference not resolved: %v", ser.created[0])
	}
}

func TestNameMatcher(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.ColumnMatcher = models.ColumnMatcherName
	scheme.Columns = []models.SchemeColumn{
		{Name: "code", ColumnName: "Security Code"},
		{Name: "name", ColumnName: "Security Name"},
		{Name: "isin", ColumnName: "ISIN"},
	}

	result, err := imp.Run(context.Background(), runParams(scheme, "Security Code,Security Name\nP1,Alpha Fund\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	row := result.Items[0]
	if row.RawInputs["code"] != "P1" || row.RawInputs["name"] != "Alpha Fund" {
		t.Fatalf("raw inputs: %v", row.RawInputs)
	}
	// A column absent from the file is nil, not an error.
	if v, present := row.RawInputs["isin"]; !present || v != nil {
		t.Fatalf("missing column should be nil, got %v present=%v", v, present)
	}
}

func TestInlineItems(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	scheme := portfolioScheme()
	scheme.ColumnMatcher = models.ColumnMatcherName
	scheme.Columns = []models.SchemeColumn{
		{Name: "code", ColumnName: "code"},
		{Name: "name", ColumnName: "name"},
	}
	p := runParams(scheme, "")
	p.FileName = ""
	p.InlineItems = []any{
		map[string]any{"code": "P9", "name": "gamma"},
	}

	result, err := imp.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if ser.created[0]["user_code"] != "P9" {
		t.Fatalf("created: %v", ser.created[0])
	}
}

func TestRowCapEnforced(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := New(eval.New(), fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{}, 1, zerolog.Nop())

	_, err := imp.Run(context.Background(), runParams(portfolioScheme(), "code,name\nP1,a\nP2,b\n"))
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected row cap error, got %v", err)
	}
}

func TestCooperativeCancel(t *testing.T) {
	ser := newFakeSerializer(domain.ContentTypePortfolio)
	imp := newTestImporter(fakeRegistry{ser.ContentType(): ser}, newMemStorage(), &memSink{})

	p := runParams(portfolioScheme(), "code,name\nP1,a\nP2,b\n")
	calls := 0
	p.Canceled = func(context.Context) bool {
		calls++
		return calls > 1
	}
	result, err := imp.Run(context.Background(), p)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected one processed row, got %d", len(result.Items))
	}
}

func TestSummaryCSVFormat(t *testing.T) {
	scheme := portfolioScheme().Defaulted()
	result := models.ImportResult{
		FileName:     "f.csv",
		TotalRows:    2,
		SuccessCount: 1,
		ErrorCount:   1,
		Items: []models.RowResult{
			{RowNumber: 1, Status: models.RowStatusSuccess},
			{RowNumber: 2, Status: models.RowStatusError, Message: `boom "quoted"`},
		},
	}
	out := renderSummaryCSV(scheme, result)
	if !strings.Contains(out, `"Row Number","Status","Message"`) {
		t.Fatalf("missing column header:\n%s", out)
	}
	if !strings.Contains(out, `"2","error","boom ""quoted"""`) {
		t.Fatalf("row not quoted:\n%s", out)
	}
	if !strings.Contains(out, `"Scheme","portfolio-import"`) {
		t.Fatalf("missing header block:\n%s", out)
	}
}
