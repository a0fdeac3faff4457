package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"koi-classifier/internal/features"
	"koi-classifier/internal/metrics"
	"koi-classifier/internal/ml"
	"koi-classifier/internal/report"
	"koi-classifier/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Observer      = (*metrics.MetricsWrapper)(nil)
	_ PredictionLog = (*storage.Store)(nil)
)

type testEnv struct {
	server  *Server
	store   *storage.Store
	metrics *metrics.MetricsWrapper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scalerPath, modelPath, err := ml.WriteTestArtifacts(t.TempDir())
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	wrapper := metrics.NewWrapper(metrics.NewWithRegistry(registry))

	pipeline, err := ml.LoadPipeline(scalerPath, modelPath, wrapper)
	require.NoError(t, err)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	drift := ml.NewDriftMonitor(pipeline.Bundle().Scaler, ml.DriftConfig{WindowSize: 10}, wrapper)
	pipeline.AttachDrift(drift)

	s, err := NewServer(Options{
		Pipeline:       pipeline,
		Store:          store,
		Metrics:        wrapper,
		Drift:          drift,
		ReportsDir:     t.TempDir(),
		MaxUploadBytes: 1 << 20,
		MaxBatchRows:   100,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	require.NoError(t, err)
	return &testEnv{server: s, store: store, metrics: wrapper}
}

func record(flagNT, snr float64) map[string]any {
	return map[string]any{
		"koi_period":    9.488,
		"koi_duration":  2.9575,
		"koi_depth":     615.8,
		"koi_prad":      2.26,
		"koi_teq":       793,
		"koi_insol":     93.59,
		"koi_model_snr": snr,
		"koi_steff":     5455,
		"koi_slogg":     4.467,
		"koi_srad":      0.927,
		"koi_kepmag":    15.347,
		"koi_fpflag_nt": flagNT,
		"koi_fpflag_ss": 0,
		"koi_fpflag_co": 0,
		"koi_fpflag_ec": 0,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, target string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, target, bytes.NewReader(data), "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test-1", body["model_version"])
	assert.Equal(t, 0.0, body["validation_failure_rate"])
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		flagNT float64
		snr    float64
		want   string
		code   int
	}{
		{"not transit-like", 1, 35.8, "FALSE POSITIVE", 0},
		{"moderate snr", 0, 35.8, "CANDIDATE", 1},
		{"strong snr", 0, 100, "CONFIRMED", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON(t, "/api/predict", record(tt.flagNT, tt.snr))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			resp := decode[PredictResponse](t, rec)
			assert.Equal(t, tt.want, resp.Prediction)
			assert.Equal(t, tt.code, resp.PredictionCode)
			assert.Greater(t, resp.Confidence, 0.0)
			assert.Equal(t, 9.488, resp.InputData.Period)
			assert.Equal(t, "test-1", resp.ModelVersion)
		})
	}

	logged, err := env.store.RecentPredictions(10)
	require.NoError(t, err)
	assert.Len(t, logged, 3)
	assert.Equal(t, "api", logged[0].Source)
}

func TestPredict_KeyOrderIrrelevant(t *testing.T) {
	env := newTestEnv(t)

	// Same record, keys written in reverse column order.
	var sb strings.Builder
	sb.WriteString("{")
	cols := features.RawColumns
	payload := record(0, 100)
	for i := len(cols) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%q: %v", cols[i], payload[cols[i]])
		if i > 0 {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("}")

	rec := env.do(t, http.MethodPost, "/api/predict", strings.NewReader(sb.String()), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CONFIRMED", decode[PredictResponse](t, rec).Prediction)
}

func TestPredict_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	missing := record(0, 35.8)
	delete(missing, "koi_srad")

	badFlag := record(0, 35.8)
	badFlag["koi_fpflag_co"] = 2

	negative := record(0, 35.8)
	negative["koi_depth"] = -5

	text := record(0, 35.8)
	text["koi_teq"] = "hot"

	tests := []struct {
		name   string
		body   map[string]any
		fields []string
	}{
		{"missing column", missing, nil},
		{"flag out of range", badFlag, []string{"koi_fpflag_co"}},
		{"negative measurement", negative, []string{"koi_depth"}},
		{"non-numeric", text, []string{"koi_teq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON(t, "/api/predict", tt.body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "validation", resp.Kind)
			if tt.fields == nil {
				assert.Equal(t, []string{"koi_srad"}, resp.Missing)
				return
			}
			var got []string
			for _, f := range resp.Fields {
				got = append(got, f.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}

	assert.Equal(t, 1.0, env.metrics.ValidationFailureRate())
}

func TestPredict_MissingValueIsImputed(t *testing.T) {
	env := newTestEnv(t)

	body := record(0, 35.8)
	body["koi_teq"] = nil
	body["koi_kepmag"] = ""

	rec := env.postJSON(t, "/api/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string]any](t, rec)
	input := resp["input_data"].(map[string]any)
	assert.Nil(t, input["koi_teq"])
	assert.Equal(t, "CANDIDATE", resp["prediction"])
}

func TestPredict_BadJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/predict", strings.NewReader("{not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/predict", strings.NewReader("[1,2]"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictBatch_PerRow(t *testing.T) {
	env := newTestEnv(t)

	missing := record(0, 35.8)
	delete(missing, "koi_period")
	badFlag := record(0, 35.8)
	badFlag["koi_fpflag_ss"] = 3

	rec := env.postJSON(t, "/api/predict/batch", map[string]any{
		"records": []map[string]any{record(1, 35.8), missing, record(0, 100), badFlag},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Total   int                `json:"total_predictions"`
		Results []BatchRowResponse `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 4)
	assert.Equal(t, 2, resp.Total)

	assert.Equal(t, "FALSE POSITIVE", resp.Results[0].Prediction)
	assert.Nil(t, resp.Results[0].Error)

	assert.Equal(t, "UNKNOWN", resp.Results[1].Prediction)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, []string{"koi_period"}, resp.Results[1].Error.Missing)
	require.NotNil(t, resp.Results[1].Error.Row)
	assert.Equal(t, 1, *resp.Results[1].Error.Row)

	assert.Equal(t, "CONFIRMED", resp.Results[2].Prediction)

	require.NotNil(t, resp.Results[3].Error)
	assert.Equal(t, 3, *resp.Results[3].Error.Row)
	assert.Equal(t, -1, resp.Results[3].PredictionCode)
}

func TestPredictBatch_TooLarge(t *testing.T) {
	env := newTestEnv(t)

	records := make([]map[string]any, 101)
	for i := range records {
		records[i] = record(0, 35.8)
	}
	rec := env.postJSON(t, "/api/predict/batch", map[string]any{"records": records})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func csvBody(rows ...[]string) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(features.RawColumns, ","))
	sb.WriteString("\n")
	for _, r := range rows {
		sb.WriteString(strings.Join(r, ","))
		sb.WriteString("\n")
	}
	return sb.String()
}

func csvRow(flagNT, snr string) []string {
	return []string{"9.488", "2.9575", "615.8", "2.26", "793", "93.59", snr, "5455", "4.467", "0.927", "15.347", flagNT, "0", "0", "0"}
}

func (e *testEnv) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/api/upload-csv", &buf, mw.FormDataContentType())
}

func TestUploadCSV(t *testing.T) {
	env := newTestEnv(t)

	bad := csvRow("0", "35.8")
	bad[0] = "abc"
	rec := env.upload(t, "kepler.csv", csvBody(csvRow("1", "35.8"), csvRow("0", "35.8"), bad, csvRow("0", "100")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, "kepler.csv", resp.Filename)
	assert.Equal(t, 4, resp.TotalRows)
	assert.Equal(t, 3, resp.TotalPredictions)
	assert.Equal(t, 1, resp.InvalidRows)
	assert.Equal(t, map[string]int{
		"FALSE POSITIVE": 1,
		"CANDIDATE":      1,
		"CONFIRMED":      1,
		"UNKNOWN":        0,
	}, resp.PredictionSummary)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, 2, resp.Results[2].Index)
	assert.NotEmpty(t, resp.Results[2].Error)
	assert.Equal(t, "/api/reports/"+resp.ID+"/report.pdf", resp.PDFDownloadURL)

	pdf := env.do(t, http.MethodGet, resp.PDFDownloadURL, nil, "")
	require.Equal(t, http.StatusOK, pdf.Code)
	assert.Equal(t, "application/pdf", pdf.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(pdf.Body.Bytes(), []byte("%PDF")))

	csvFile := env.do(t, http.MethodGet, resp.CSVDownloadURL, nil, "")
	require.Equal(t, http.StatusOK, csvFile.Code)
	assert.Contains(t, csvFile.Body.String(), "CONFIRMED")

	batches, err := env.store.RecentBatches(5)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, resp.ID, batches[0].ID)
	assert.Equal(t, 1, batches[0].Invalid)

	logged, err := env.store.RecentPredictions(10)
	require.NoError(t, err)
	assert.Len(t, logged, 3)
	assert.Equal(t, resp.ID, logged[0].BatchID)

	list := env.do(t, http.MethodGet, "/api/reports", nil, "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), resp.PDFDownloadURL)
}

func TestUploadCSV_UnparsableRowsCountAsValidationFailures(t *testing.T) {
	env := newTestEnv(t)

	bad := csvRow("0", "35.8")
	bad[3] = "n/a"
	rec := env.upload(t, "kepler.csv", csvBody(csvRow("0", "35.8"), bad, csvRow("0", "100"), csvRow("1", "35.8")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[UploadResponse](t, rec).InvalidRows)

	// three scored, one rejected while parsing
	assert.InDelta(t, 0.25, env.metrics.ValidationFailureRate(), 1e-12)
}

func TestUploadCSV_Rejected(t *testing.T) {
	env := newTestEnv(t)

	header := strings.Join(features.RawColumns[:14], ",") + "\n1,2,3,4,5,6,7,8,9,10,11,0,0,0\n"
	rec := env.upload(t, "short.csv", header)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, []string{"koi_fpflag_ec"}, resp.Missing)

	rows := make([][]string, 101)
	for i := range rows {
		rows[i] = csvRow("0", "35.8")
	}
	rec = env.upload(t, "big.csv", csvBody(rows...))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/upload-csv", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportFile_Guards(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/reports/not-a-uuid/report.pdf",
		"/api/reports/0b0e9a52-7c55-4d38-9c1e-1a2b3c4d5e6f/secrets.txt",
		"/api/reports/0b0e9a52-7c55-4d38-9c1e-1a2b3c4d5e6f/report.pdf",
	} {
		rec := env.do(t, http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	assert.Contains(t, report.Files, report.PDFFile)
}

func TestPredictionsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON(t, "/api/predict", record(1, 35.8))
	env.postJSON(t, "/api/predict", record(0, 100))

	rec := env.do(t, http.MethodGet, "/api/predictions?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Predictions []storage.PredictionRecord `json:"predictions"`
		Counts      map[string]int             `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, "CONFIRMED", resp.Predictions[0].Label)
	assert.Equal(t, 1, resp.Counts["FALSE POSITIVE"])

	rec = env.do(t, http.MethodGet, "/api/predictions?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/model/info", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		Metadata     ml.ModelMetadata  `json:"metadata"`
		FeatureOrder []string          `json:"feature_order"`
		Drift        ml.DriftStatus    `json:"drift"`
		Importance   []ml.FeatureStats `json:"importance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "gradient_boosting", info.Metadata.Algorithm)
	assert.Equal(t, features.DefaultOutputOrder, info.FeatureOrder)
	assert.Equal(t, 10, info.Drift.WindowSize)
	require.Len(t, info.Importance, len(features.DefaultOutputOrder))
	assert.Equal(t, "koi_model_snr_log", info.Importance[0].Name)
	assert.Greater(t, info.Importance[0].ImportanceScore, 0.0)
}

func TestDriftEndpoint(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.postJSON(t, "/api/predict", record(0, 35.8))
	}
	rec := env.do(t, http.MethodGet, "/api/drift", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[ml.DriftStatus](t, rec).Samples)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON(t, "/api/predict", record(0, 100))
	rec := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `koi_predictions_total{label="CONFIRMED"} 1`)
	assert.Contains(t, body, `koi_http_requests_total{code="200",route="/api/predict"} 1`)
}

func TestPredictForm(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/predictdata", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="koi_model_snr"`)

	form := url.Values{}
	for col, v := range record(1, 35.8) {
		form.Set(col, fmt.Sprint(v))
	}
	rec = env.do(t, http.MethodPost, "/predictdata", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FALSE POSITIVE")

	form.Del("koi_steff")
	rec = env.do(t, http.MethodPost, "/predictdata", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required columns: koi_steff")

	index := env.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, index.Code)
	assert.Contains(t, index.Body.String(), "/api/upload-csv")
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(record(0, 100)))
	var reply StreamMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 0, reply.Seq)
	assert.Equal(t, "CONFIRMED", reply.Prediction)
	assert.Nil(t, reply.Error)

	missing := record(0, 100)
	delete(missing, "koi_insol")
	require.NoError(t, conn.WriteJSON(missing))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 1, reply.Seq)
	assert.Equal(t, "UNKNOWN", reply.Prediction)
	require.NotNil(t, reply.Error)
	assert.Equal(t, []string{"koi_insol"}, reply.Error.Missing)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	reply = StreamMessage{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, "request", reply.Error.Kind)

	require.NoError(t, conn.WriteJSON(record(1, 35.8)))
	reply = StreamMessage{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 3, reply.Seq)
	assert.Equal(t, "FALSE POSITIVE", reply.Prediction)
}

func TestServerStartShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.server.server.Addr = "127.0.0.1:0"

	require.NoError(t, env.server.Start())
	assert.Error(t, env.server.Start())
	require.NoError(t, env.server.Shutdown(context.Background()))
	require.NoError(t, env.server.Shutdown(context.Background()))
}
