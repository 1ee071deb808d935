package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/wallet-reporter/api"
	"github.com/walletscope/wallet-reporter/cache"
	"github.com/walletscope/wallet-reporter/models"
	"github.com/walletscope/wallet-reporter/reporter"
)

const testWallet = "0xabc1234567890123456789012345678901234567"

type stubFetcher struct {
	records []models.Record
}

func (f *stubFetcher) BlockNumber(context.Context) (int64, error) {
	return 18_000_000, nil
}

func (f *stubFetcher) AccountRecords(
	_ context.Context, _ string, typ models.TxType, _ models.BlockRange, _ int64,
) ([]models.Record, error) {
	var out []models.Record
	for _, rec := range f.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *stubFetcher) AllAccountRecords(
	ctx context.Context, wallet string, rng models.BlockRange, height int64,
) (map[models.TxType][]models.Record, error) {
	byType := make(map[models.TxType][]models.Record)
	for _, typ := range models.AllTxTypes() {
		records, _ := f.AccountRecords(ctx, wallet, typ, rng, height)
		byType[typ] = records
	}
	return byType, nil
}

type stubJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *stubJobs) put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
}

func (s *stubJobs) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Wallet == job.Wallet && !existing.State.Terminal() {
			return &models.DuplicateJobError{ExistingID: existing.ID}
		}
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *stubJobs) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *stubJobs) ActiveForWallet(_ context.Context, wallet string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Wallet == wallet && !job.State.Terminal() {
			clone := *job
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *stubJobs) Update(_ context.Context, job *models.Job) error {
	s.put(job)
	return nil
}

func (s *stubJobs) MarkSegmentDone(_ context.Context, id uuid.UUID, segment int64, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.SegmentsDone++
		if failed {
			job.FailedSegments = append(job.FailedSegments, segment)
		} else {
			job.CompletedSegments = append(job.CompletedSegments, segment)
		}
	}
	return nil
}

func (s *stubJobs) NonTerminal(context.Context) ([]*models.Job, error) {
	return nil, nil
}

func (s *stubJobs) Expirable(context.Context, time.Time) ([]*models.Job, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fetcher reporter.Fetcher, jobs reporter.JobStore) (http.Handler, *cache.Tiered) {
	t.Helper()
	return newTestServerWithConfig(t, fetcher, jobs, reporter.Config{ReportsDir: t.TempDir()})
}

func newTestServerWithConfig(
	t *testing.T, fetcher reporter.Fetcher, jobs reporter.JobStore, cfg reporter.Config,
) (http.Handler, *cache.Tiered) {
	t.Helper()
	tiered := cache.NewTiered(testLogger(), cache.NewMemory(100), nil, cache.Config{
		TTL:       time.Minute,
		HeightTTL: time.Minute,
	})
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = t.TempDir()
	}
	engine := reporter.New(testLogger(), fetcher, jobs, cfg)
	t.Cleanup(engine.Shutdown)
	srv := api.NewServer(testLogger(), engine, tiered, 0)
	return srv.Router(), tiered
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitReportValidation(t *testing.T) {
	handler, _ := newTestServer(t, &stubFetcher{}, newStubJobs())

	rec := doRequest(t, handler, http.MethodPost, "/reports", `{"wallet_address":"bogus"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/reports", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/reports",
		`{"wallet_address":"`+testWallet+`","from_block":100,"to_block":50}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitReportAccepted(t *testing.T) {
	handler, _ := newTestServer(t, &stubFetcher{}, newStubJobs())

	rec := doRequest(t, handler, http.MethodPost, "/reports", `{"wallet_address":"`+testWallet+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, testWallet, resp["wallet_address"])
	require.NotEmpty(t, resp["id"])
}

func TestSubmitReportReturnsExisting(t *testing.T) {
	jobs := newStubJobs()
	existing := models.NewJob(testWallet, nil, 100_000)
	existing.State = models.JobFetching
	require.NoError(t, jobs.Create(context.Background(), existing))

	handler, _ := newTestServer(t, &stubFetcher{}, jobs)

	rec := doRequest(t, handler, http.MethodPost, "/reports", `{"wallet_address":"`+testWallet+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, existing.ID.String(), resp["id"])
}

func TestGetReport(t *testing.T) {
	jobs := newStubJobs()
	job := models.NewJob(testWallet, nil, 100_000)
	job.State = models.JobFetching
	job.SegmentsTotal = 5
	job.SegmentsDone = 2
	jobs.put(job)

	handler, _ := newTestServer(t, &stubFetcher{}, jobs)

	rec := doRequest(t, handler, http.MethodGet, "/reports/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "fetching", resp["state"])
	require.Equal(t, float64(2), resp["segments_done"])
	require.Equal(t, float64(5), resp["segments_total"])

	rec = doRequest(t, handler, http.MethodGet, "/reports/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/reports/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadReport(t *testing.T) {
	jobs := newStubJobs()
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("Transaction Hash\n0xa1\n"), 0o644))

	job := models.NewJob(testWallet, nil, 100_000)
	job.State = models.JobCompleted
	job.OutputPath = path
	jobs.put(job)

	pending := models.NewJob("0xdef1234567890123456789012345678901234567", nil, 100_000)
	pending.State = models.JobFetching
	jobs.put(pending)

	handler, _ := newTestServer(t, &stubFetcher{}, jobs)

	rec := doRequest(t, handler, http.MethodGet, "/reports/"+job.ID.String()+"/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "0xa1")
	require.Contains(t, rec.Header().Get("Content-Disposition"), job.ID.String())

	rec = doRequest(t, handler, http.MethodGet, "/reports/"+pending.ID.String()+"/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelReport(t *testing.T) {
	jobs := newStubJobs()
	job := models.NewJob(testWallet, nil, 100_000)
	job.State = models.JobFetching
	jobs.put(job)

	handler, _ := newTestServer(t, &stubFetcher{}, jobs)

	rec := doRequest(t, handler, http.MethodDelete, "/reports/"+job.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	canceled, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, canceled.State)
}

func TestQueryTransactions(t *testing.T) {
	fetcher := &stubFetcher{records: []models.Record{
		{Hash: "0xa1", BlockNumber: 100, Type: models.TxTypeETH, Value: "1", GasFee: "0.001", Time: time.Now().UTC()},
		{Hash: "0xb1", BlockNumber: 200, Type: models.TxTypeERC20, Value: "5", GasFee: "0.002", Time: time.Now().UTC()},
	}}
	handler, _ := newTestServer(t, fetcher, newStubJobs())

	rec := doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reporter.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.TotalCount)

	rec = doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"?types=ERC-20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.TotalCount)

	rec = doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"?types=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"?start_block=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/transactions/bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryEndpoint(t *testing.T) {
	fetcher := &stubFetcher{records: []models.Record{
		{Hash: "0xa1", BlockNumber: 100, Type: models.TxTypeETH, Value: "1", GasFee: "0.001", Time: time.Now().UTC()},
	}}
	handler, _ := newTestServer(t, fetcher, newStubJobs())

	rec := doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reporter.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.TotalTransactions)
	require.Equal(t, 1, resp.TypeBreakdown["ETH"])
}

func TestExportEndpoint(t *testing.T) {
	fetcher := &stubFetcher{records: []models.Record{
		{Hash: "0xa1", BlockNumber: 100, Type: models.TxTypeETH, Value: "1", GasFee: "0.001", Time: time.Now().UTC()},
	}}
	handler, _ := newTestServer(t, fetcher, newStubJobs())

	rec := doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, rec.Body.String(), "Transaction Hash")
	require.Contains(t, rec.Body.String(), "0xa1")
}

func TestExportEndpointRefusesBeforeStreaming(t *testing.T) {
	base := time.Now().UTC()
	var records []models.Record
	for i := int64(0); i < 5; i++ {
		records = append(records, models.Record{
			Hash: "0xa" + uuid.NewString()[:4], BlockNumber: 100 + i,
			Type: models.TxTypeETH, Value: "1", GasFee: "0.001", Time: base,
		})
	}
	handler, _ := newTestServerWithConfig(t, &stubFetcher{records: records}, newStubJobs(), reporter.Config{
		DirectMaxRecords: 2,
	})

	rec := doRequest(t, handler, http.MethodGet, "/transactions/"+testWallet+"/export", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Contains(t, rec.Body.String(), "dataset too large")

	rec = doRequest(t, handler, http.MethodGet, "/transactions/bogus/export", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearCache(t *testing.T) {
	handler, tiered := newTestServer(t, &stubFetcher{}, newStubJobs())

	key := cache.Key{Wallet: testWallet, Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 100}}
	require.NoError(t, tiered.StoreRecords(context.Background(), key, []models.Record{{Hash: "0xa1"}}, 0))

	rec := doRequest(t, handler, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := tiered.Records(context.Background(), key)
	require.False(t, ok)
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t, &stubFetcher{}, newStubJobs())
	rec := doRequest(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
