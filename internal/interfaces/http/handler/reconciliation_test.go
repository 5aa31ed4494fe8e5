package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/reconciliation/internal/application/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/cache"
	"github.com/erp/reconciliation/internal/infrastructure/persistence"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/erp/reconciliation/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var handlerNow = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

// MockWorkpaperLinker implements WorkpaperLinker for testing
type MockWorkpaperLinker struct {
	mock.Mock
}

func (m *MockWorkpaperLinker) WorkpaperDownloadURL(ctx context.Context, tenantID, id uuid.UUID, expiresIn time.Duration) (*reconciliation.WorkpaperLink, error) {
	args := m.Called(ctx, tenantID, id, expiresIn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconciliation.WorkpaperLink), args.Error(1)
}

type apiResponse[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code      string          `json:"code"`
		Message   string          `json:"message"`
		RequestID string          `json:"request_id"`
		Details   json.RawMessage `json:"details"`
	} `json:"error"`
	Meta *struct {
		Total int64 `json:"total"`
	} `json:"meta"`
}

type handlerFixture struct {
	engine     *gin.Engine
	workpapers *MockWorkpaperLinker
}

func newHandlerFixture(t *testing.T, withWorkpapers bool) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()

	store := cache.NewInMemoryIdempotencyStore()
	t.Cleanup(func() { _ = store.Close() })

	svc := reconciliation.NewService(
		persistence.NewMemoryReconciliationRepository(),
		reconciliation.WithClock(shared.NewFixedClock(handlerNow)),
		reconciliation.WithStatementFileParser(statementfile.NewParser()),
		reconciliation.WithIdempotencyStore(store, shared.DefaultIdempotencyConfig()),
	)

	f := &handlerFixture{}
	var linker WorkpaperLinker
	if withWorkpapers {
		f.workpapers = new(MockWorkpaperLinker)
		linker = f.workpapers
	}
	h := NewReconciliationHandler(svc, linker, ReconciliationHandlerConfig{
		DefaultCurrency: "EUR",
		MaxBodySize:     64 << 10,
		MaxUploadSize:   128 << 10,
		WorkpaperExpiry: 10 * time.Minute,
	})

	f.engine = gin.New()
	f.engine.Use(middleware.RequestID(), middleware.Tenant(middleware.DefaultTenantConfig()))
	h.RegisterRoutes(f.engine.Group("/api/v1"))
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, uuid.Nil, method, path, body)
}

// doAs sends the request under tenant; uuid.Nil leaves the tenant header off
func (f *handlerFixture) doAs(t *testing.T, tenant uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "/api/v1"+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != uuid.Nil {
		req.Header.Set(middleware.TenantHeaderKey, tenant.String())
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) apiResponse[T] {
	t.Helper()
	var resp apiResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (f *handlerFixture) create(t *testing.T) ReconciliationResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/reconciliations", CreateReconciliationRequest{
		Name:        "March bank reconciliation",
		Type:        "BANK",
		PeriodStart: "2024-03-01",
		PeriodEnd:   "2024-03-31",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ReconciliationResponse](t, w).Data
}

func (f *handlerFixture) importLines(t *testing.T, id, side string, lines ...StatementLineRequest) ReconciliationResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/reconciliations/"+id+"/statements", ImportStatementRequest{
		Side:       side,
		SourceName: side + " export",
		Lines:      lines,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ReconciliationResponse](t, w).Data
}

// seedMatched creates a reconciliation with one matched pair and one
// unmatched ledger line, then runs the matcher
func (f *handlerFixture) seedMatched(t *testing.T) MatchRunResponse {
	t.Helper()
	rec := f.create(t)
	f.importLines(t, rec.ID, "LEDGER",
		StatementLineRequest{Date: "2024-03-05", Description: "Deposit", Amount: 100},
		StatementLineRequest{Date: "2024-03-09", Description: "Bank fee", Amount: -25.5},
	)
	f.importLines(t, rec.ID, "EXTERNAL",
		StatementLineRequest{Date: "2024-03-05", Description: "DEP 0001", Amount: 100},
	)
	w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/match", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[MatchRunResponse](t, w).Data
}

func TestReconciliationHandler_Create(t *testing.T) {
	t.Run("creates an OPEN reconciliation with the configured default currency", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, middleware.DefaultTenantID.String(), rec.TenantID)
		assert.Equal(t, "OPEN", rec.Status)
		assert.Equal(t, "EUR", rec.Currency)
		assert.Equal(t, "2024-03-01", rec.PeriodStart)
		assert.Equal(t, "2024-03-31", rec.PeriodEnd)
		assert.Empty(t, rec.Statements)
		assert.Empty(t, rec.Items)
	})

	t.Run("uses the tenant header", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		tenant := uuid.New()

		body, _ := json.Marshal(CreateReconciliationRequest{
			Name: "AR", Type: "ACCOUNTS_RECEIVABLE", Currency: "gbp",
			PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliations", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.TenantHeaderKey, tenant.String())
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		rec := decode[ReconciliationResponse](t, w).Data
		assert.Equal(t, tenant.String(), rec.TenantID)
		assert.Equal(t, "GBP", rec.Currency)
	})

	t.Run("lists missing fields as validation details", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		w := f.do(t, http.MethodPost, "/reconciliations", map[string]any{"type": "CASH"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[json.RawMessage](t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		assert.NotEmpty(t, resp.Error.RequestID)

		var details []struct {
			Field string `json:"field"`
		}
		require.NoError(t, json.Unmarshal(resp.Error.Details, &details))
		var fields []string
		for _, d := range details {
			fields = append(fields, d.Field)
		}
		assert.Contains(t, fields, "name")
		assert.Contains(t, fields, "type")
		assert.Contains(t, fields, "period_start")
	})

	t.Run("rejects a period that ends before it starts", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		w := f.do(t, http.MethodPost, "/reconciliations", CreateReconciliationRequest{
			Name: "Backwards", Type: "BANK", PeriodStart: "2024-03-31", PeriodEnd: "2024-03-01",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode[json.RawMessage](t, w).Error.Code)
	})
}

func TestReconciliationHandler_ListAndGet(t *testing.T) {
	t.Run("lists summaries with outstanding totals", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		f.seedMatched(t)

		w := f.do(t, http.MethodGet, "/reconciliations", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[[]ReconciliationSummaryResponse](t, w)

		require.Len(t, resp.Data, 1)
		require.NotNil(t, resp.Meta)
		assert.Equal(t, int64(1), resp.Meta.Total)
		assert.Equal(t, "IN_PROGRESS", resp.Data[0].Status)
		assert.Equal(t, 1, resp.Data[0].OutstandingCount)
		assert.Equal(t, "-25.50", resp.Data[0].OutstandingTotal)
	})

	t.Run("filters by status", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		f.create(t)

		w := f.do(t, http.MethodGet, "/reconciliations?status=CLOSED", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[[]ReconciliationSummaryResponse](t, w).Data)

		w = f.do(t, http.MethodGet, "/reconciliations?status=DONE", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("hides other tenants", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		f.create(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/reconciliations", nil)
		req.Header.Set(middleware.TenantHeaderKey, uuid.New().String())
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[[]ReconciliationSummaryResponse](t, w).Data)
	})

	t.Run("returns the full snapshot", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)

		w := f.do(t, http.MethodGet, "/reconciliations/"+run.Reconciliation.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		rec := decode[ReconciliationResponse](t, w).Data

		assert.Len(t, rec.Statements, 2)
		assert.Len(t, rec.MatchGroups, 1)
		require.Len(t, rec.Items, 1)
		assert.Equal(t, "LEDGER_UNMATCHED", rec.Items[0].Reason)
	})

	t.Run("answers 404 for an unknown id and 400 for a malformed one", func(t *testing.T) {
		f := newHandlerFixture(t, false)

		w := f.do(t, http.MethodGet, "/reconciliations/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decode[json.RawMessage](t, w).Error.Code)

		w = f.do(t, http.MethodGet, "/reconciliations/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReconciliationHandler_TenantIsolation(t *testing.T) {
	other := uuid.MustParse("11111111-2222-4333-8444-555555555555")

	t.Run("another tenant gets 404 for every id-addressed route", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)
		id := run.Reconciliation.ID
		require.Len(t, run.Reconciliation.Items, 1)
		itemID := run.Reconciliation.Items[0].ID
		cleared := true

		requests := []struct {
			method string
			path   string
			body   any
		}{
			{http.MethodGet, "/reconciliations/" + id, nil},
			{http.MethodPost, "/reconciliations/" + id + "/statements", ImportStatementRequest{
				Side: "EXTERNAL", SourceName: "bank",
				Lines: []StatementLineRequest{{Date: "2024-03-09", Description: "FEE", Amount: -25.5}},
			}},
			{http.MethodPost, "/reconciliations/" + id + "/match", nil},
			{http.MethodPost, "/reconciliation-items/" + itemID + "/resolve", ResolveItemRequest{
				ResolutionNote: "cleared", Cleared: &cleared,
			}},
			{http.MethodPost, "/reconciliations/" + id + "/close", CloseReconciliationRequest{
				ClosedBy: "intruder", Summary: "sealed",
			}},
		}
		for _, r := range requests {
			w := f.doAs(t, other, r.method, r.path, r.body)
			assert.Equal(t, http.StatusNotFound, w.Code, "%s %s: %s", r.method, r.path, w.Body.String())
			assert.Equal(t, "NOT_FOUND", decode[json.RawMessage](t, w).Error.Code)
		}

		w := f.do(t, http.MethodGet, "/reconciliations/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
		rec := decode[ReconciliationResponse](t, w).Data
		assert.Equal(t, "IN_PROGRESS", rec.Status)
		assert.Len(t, rec.Statements, 2)
		require.Len(t, rec.Items, 1)
		assert.Equal(t, "OUTSTANDING", rec.Items[0].Status)
	})

	t.Run("the workpaper lookup carries the request tenant", func(t *testing.T) {
		f := newHandlerFixture(t, true)
		id := uuid.New()
		f.workpapers.On("WorkpaperDownloadURL", mock.Anything, other, id, mock.Anything).
			Return(nil, shared.NewNotFoundError("reconciliation not found"))

		w := f.doAs(t, other, http.MethodGet, "/reconciliations/"+id.String()+"/workpaper", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		f.workpapers.AssertExpectations(t)
	})
}

func TestReconciliationHandler_ImportStatement(t *testing.T) {
	t.Run("imports lines with normalized amounts", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		got := f.importLines(t, rec.ID, "LEDGER",
			StatementLineRequest{Date: "2024-03-05T23:30:00Z", Description: "Deposit", Amount: 100.005},
		)

		require.Len(t, got.Statements, 1)
		require.Len(t, got.Statements[0].Lines, 1)
		line := got.Statements[0].Lines[0]
		assert.Equal(t, "2024-03-05", line.Date)
		assert.Equal(t, "LEDGER", line.Side)
		assert.Nil(t, line.MatchGroupID)
		assert.Equal(t, "IN_PROGRESS", got.Status)
	})

	t.Run("rejects an empty line list", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/statements", ImportStatementRequest{
			Side: "LEDGER", Lines: []StatementLineRequest{},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("rejects an unknown side", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/statements", map[string]any{
			"side":  "BANK",
			"lines": []map[string]any{{"date": "2024-03-05", "amount": 1}},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("answers 413 when the body exceeds the limit", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		big := make([]StatementLineRequest, 0, 2000)
		for range 2000 {
			big = append(big, StatementLineRequest{Date: "2024-03-05", Description: "padding padding padding", Amount: 1})
		}
		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/statements", ImportStatementRequest{
			Side: "LEDGER", Lines: big,
		})

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "REQUEST_TOO_LARGE", decode[json.RawMessage](t, w).Error.Code)
	})
}

func uploadRequest(t *testing.T, path, fileName string, content []byte, fields map[string]string, idemKey string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if idemKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idemKey)
	}
	return req
}

func TestReconciliationHandler_UploadStatement(t *testing.T) {
	csv := []byte("date,description,reference,amount\n" +
		"2024-03-05,Deposit,D-1,100\n" +
		"2024-03-09,Bank fee,,-25.50\n")

	t.Run("imports a CSV file", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		req := uploadRequest(t, "/reconciliations/"+rec.ID+"/statements/upload", "ledger.csv", csv,
			map[string]string{"side": "LEDGER", "imported_by": "alice"}, "")
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		got := decode[ReconciliationResponse](t, w).Data
		require.Len(t, got.Statements, 1)
		stmt := got.Statements[0]
		assert.Equal(t, "ledger.csv", stmt.SourceName)
		assert.Equal(t, "alice", stmt.ImportedBy)
		require.Len(t, stmt.Lines, 2)
		assert.Equal(t, "-25.50", stmt.Lines[1].Amount)
	})

	t.Run("rejects a replayed idempotency key", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)
		path := "/reconciliations/" + rec.ID + "/statements/upload"
		fields := map[string]string{"side": "EXTERNAL"}

		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, uploadRequest(t, path, "bank.csv", csv, fields, "upload-1"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = httptest.NewRecorder()
		f.engine.ServeHTTP(w, uploadRequest(t, path, "bank.csv", csv, fields, "upload-1"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ALREADY_EXISTS", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("reports invalid rows as details", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)
		bad := []byte("date,description,amount\nyesterday,Deposit,100\n")

		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, uploadRequest(t, "/reconciliations/"+rec.ID+"/statements/upload", "bad.csv", bad,
			map[string]string{"side": "LEDGER"}, ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[json.RawMessage](t, w)
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

		var details struct {
			Errors []struct {
				Row    int    `json:"row"`
				Column string `json:"column"`
			} `json:"errors"`
			TotalErrors int `json:"total_errors"`
		}
		require.NoError(t, json.Unmarshal(resp.Error.Details, &details))
		assert.Equal(t, 1, details.TotalErrors)
		require.Len(t, details.Errors, 1)
		assert.Equal(t, 2, details.Errors[0].Row)
	})

	t.Run("requires the file part", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, uploadRequest(t, "/reconciliations/"+rec.ID+"/statements/upload", "", nil,
			map[string]string{"side": "LEDGER"}, ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "BAD_REQUEST", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("rejects an unsupported file type", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, uploadRequest(t, "/reconciliations/"+rec.ID+"/statements/upload", "ledger.pdf", []byte("%PDF"),
			map[string]string{"side": "LEDGER"}, ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode[json.RawMessage](t, w).Error.Code)
	})
}

func TestReconciliationHandler_RunMatch(t *testing.T) {
	t.Run("pairs lines and raises items for the rest", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)

		assert.Equal(t, []string{"AMOUNT_AND_DATE", "AMOUNT_ONLY"}, run.Strategies)
		assert.Equal(t, 1, run.MatchGroups)
		assert.Equal(t, 1, run.MatchesByStrategy["AMOUNT_AND_DATE"])
		assert.Equal(t, 1, run.ItemsCreated)

		rec := run.Reconciliation
		require.Len(t, rec.MatchGroups, 1)
		assert.Len(t, rec.MatchGroups[0].LedgerLineIDs, 1)
		assert.Len(t, rec.MatchGroups[0].ExternalLineIDs, 1)
		require.Len(t, rec.Items, 1)
		assert.Equal(t, "OUTSTANDING", rec.Items[0].Status)
		assert.Equal(t, "-25.50", rec.Items[0].Amount)
		assert.NotNil(t, rec.LastMatchedAt)
	})

	t.Run("honours an explicit strategy list", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)
		f.importLines(t, rec.ID, "LEDGER", StatementLineRequest{Date: "2024-03-05", Amount: 40})
		f.importLines(t, rec.ID, "EXTERNAL", StatementLineRequest{Date: "2024-03-07", Amount: 40})

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/match", RunMatchRequest{Strategies: []string{"AMOUNT_AND_DATE"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		run := decode[MatchRunResponse](t, w).Data
		assert.Equal(t, 0, run.MatchGroups)
		assert.Equal(t, 2, run.ItemsCreated)

		w = f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/match", RunMatchRequest{Strategies: []string{"AMOUNT_ONLY"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		run = decode[MatchRunResponse](t, w).Data
		assert.Equal(t, 1, run.MatchGroups)
		assert.Empty(t, run.Reconciliation.Items)
	})

	t.Run("rejects an unknown strategy", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/match", map[string]any{"strategies": []string{"FUZZY"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReconciliationHandler_ListMatchStrategies(t *testing.T) {
	t.Run("describes each strategy and marks the defaults", func(t *testing.T) {
		f := newHandlerFixture(t, false)

		w := f.do(t, http.MethodGet, "/match-strategies", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		list := decode[[]MatchStrategyResponse](t, w).Data
		require.Len(t, list, 2)

		assert.Equal(t, "AMOUNT_AND_DATE", list[0].Name)
		assert.Equal(t, "matching", list[0].Type)
		assert.Contains(t, list[0].Description, "same date")
		assert.True(t, list[0].IsDefault)
		assert.Equal(t, 1, list[0].Priority)
		assert.Equal(t, "AMOUNT_ONLY", list[1].Name)
		assert.Equal(t, 2, list[1].Priority)
	})
}

func TestReconciliationHandler_ResolveItem(t *testing.T) {
	t.Run("clears an item and records evidence", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)
		itemID := run.Reconciliation.Items[0].ID
		cleared := true

		w := f.do(t, http.MethodPost, "/reconciliation-items/"+itemID+"/resolve", ResolveItemRequest{
			ResolutionNote: "Fee posted in April",
			Cleared:        &cleared,
			EvidenceLink:   "https://docs.example.com/fee.pdf",
			ResolvedBy:     "bob",
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[ResolveItemResponse](t, w).Data
		assert.Equal(t, "RESOLVED", got.Item.Status)
		assert.Equal(t, "bob", got.Item.ResolvedBy)
		require.NotNil(t, got.Item.EvidenceID)
		assert.Equal(t, got.Evidence.ID, *got.Item.EvidenceID)
		assert.Equal(t, "SUPPORT", got.Evidence.Type)
		assert.Equal(t, "https://docs.example.com/fee.pdf", got.Evidence.Link)
		assert.Contains(t, got.Reconciliation.EvidenceIDs, got.Evidence.ID)
	})

	t.Run("requires a resolution note", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)
		cleared := true

		w := f.do(t, http.MethodPost, "/reconciliation-items/"+run.Reconciliation.Items[0].ID+"/resolve", ResolveItemRequest{
			Cleared: &cleared,
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("answers 404 for an unknown item", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		cleared := true

		w := f.do(t, http.MethodPost, "/reconciliation-items/"+uuid.New().String()+"/resolve", ResolveItemRequest{
			ResolutionNote: "n/a", Cleared: &cleared,
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestReconciliationHandler_Close(t *testing.T) {
	t.Run("carries outstanding items forward as misstatements", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		run := f.seedMatched(t)
		id := run.Reconciliation.ID

		w := f.do(t, http.MethodPost, "/reconciliations/"+id+"/close", CloseReconciliationRequest{
			ClosedBy: "carol",
			Summary:  "March reconciled",
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[CloseReconciliationResponse](t, w).Data
		assert.Equal(t, "CLOSED", got.Reconciliation.Status)
		assert.Equal(t, "carol", got.Reconciliation.ClosedBy)
		require.NotNil(t, got.Reconciliation.ClosedAt)
		require.Len(t, got.Evidence, 2)
		assert.Equal(t, "MISSTATEMENT", got.Evidence[1].Type)

		item := got.Reconciliation.Items[0]
		assert.Equal(t, "RESOLVED", item.Status)
		assert.True(t, item.IsMisstatement)
	})

	t.Run("rejects mutations once closed", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)
		closeReq := CloseReconciliationRequest{ClosedBy: "carol", Summary: "Nothing to reconcile"}

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/close", closeReq)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/close", closeReq)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_STATE", decode[json.RawMessage](t, w).Error.Code)

		w = f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/match", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_STATE", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("requires closed_by and summary", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		rec := f.create(t)

		w := f.do(t, http.MethodPost, "/reconciliations/"+rec.ID+"/close", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode[json.RawMessage](t, w).Error.Code)
	})
}

func TestReconciliationHandler_GetWorkpaper(t *testing.T) {
	t.Run("returns a presigned link", func(t *testing.T) {
		f := newHandlerFixture(t, true)
		id := uuid.New()
		expires := handlerNow.Add(10 * time.Minute)
		f.workpapers.On("WorkpaperDownloadURL", mock.Anything, middleware.DefaultTenantID, id, 10*time.Minute).Return(&reconciliation.WorkpaperLink{
			URL:        "https://objects.example.com/workpapers/x.xlsx?sig=abc",
			StorageKey: "workpapers/x.xlsx",
			ExpiresAt:  expires,
		}, nil)

		w := f.do(t, http.MethodGet, "/reconciliations/"+id.String()+"/workpaper", nil)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[WorkpaperResponse](t, w).Data
		assert.Equal(t, "workpapers/x.xlsx", got.StorageKey)
		assert.Equal(t, expires.Format(time.RFC3339), got.ExpiresAt)
		f.workpapers.AssertExpectations(t)
	})

	t.Run("passes through the not-closed state", func(t *testing.T) {
		f := newHandlerFixture(t, true)
		id := uuid.New()
		f.workpapers.On("WorkpaperDownloadURL", mock.Anything, middleware.DefaultTenantID, id, mock.Anything).
			Return(nil, shared.NewInvalidStateError("workpaper is available once the reconciliation is closed"))

		w := f.do(t, http.MethodGet, "/reconciliations/"+id.String()+"/workpaper", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_STATE", decode[json.RawMessage](t, w).Error.Code)
	})

	t.Run("answers 503 when archiving is disabled", func(t *testing.T) {
		f := newHandlerFixture(t, false)

		w := f.do(t, http.MethodGet, "/reconciliations/"+uuid.New().String()+"/workpaper", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "SERVICE_UNAVAILABLE", decode[json.RawMessage](t, w).Error.Code)
	})
}
