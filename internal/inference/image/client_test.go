package image

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wildlife-backend/config"
	"wildlife-backend/internal/inference"
)

const classifyURL = "http://classifier.test/classify"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	return NewClient(config.ImageConfig{
		ClassifierURL: "http://classifier.test/",
		TopK:          5,
		Timeout:       time.Second,
	}, nil, httpClient)
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644))
	return path
}

func successResponse() string {
	return `{"predictions":[
		{"label":"felidae","scientific_name":"Felidae","common_name":"Cat family","score":0.04,"taxonomic_level":"family"},
		{"label":"vulpes_vulpes","scientific_name":"Vulpes vulpes","common_name":"Red fox","score":0.81,"taxonomic_level":"species"},
		{"label":"meles_meles","scientific_name":"Meles meles","common_name":"Badger","score":0.09,"taxonomic_level":"species"},
		{"label":"martes_martes","scientific_name":"Martes martes","common_name":"Pine marten","score":0.03,"taxonomic_level":"species"},
		{"label":"blank","scientific_name":"","common_name":"Blank","score":0.02,"taxonomic_level":""},
		{"label":"capreolus_capreolus","scientific_name":"Capreolus capreolus","common_name":"Roe deer","score":0.01,"taxonomic_level":"species"}
	]}`
}

func TestClassifySuccess(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, classifyURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "5", req.URL.Query().Get("top_k"))
			require.NoError(t, req.ParseMultipartForm(1<<20))
			files := req.MultipartForm.File["image"]
			require.Len(t, files, 1)
			assert.Equal(t, "CAM01_20250601_143000.jpg", files[0].Filename)
			assert.Equal(t, "image/jpeg", files[0].Header.Get("Content-Type"))
			return httpmock.NewStringResponse(http.StatusOK, successResponse()), nil
		})

	preds, err := client.Classify(context.Background(), writeImage(t, "CAM01_20250601_143000.jpg"))
	require.NoError(t, err)
	require.Len(t, preds, 5)

	assert.Equal(t, "Vulpes vulpes", preds[0].ScientificName)
	assert.Equal(t, "Red fox", preds[0].CommonName)
	assert.InDelta(t, 0.81, preds[0].Confidence, 1e-9)
	assert.Equal(t, "species", preds[0].TaxonomicLevel)
	assert.Nil(t, preds[0].Start)
	for i := 1; i < len(preds); i++ {
		assert.GreaterOrEqual(t, preds[i-1].Confidence, preds[i].Confidence)
	}
	// missing scientific name falls back to the label
	assert.Equal(t, "blank", preds[4].ScientificName)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClassifyHTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad_request", http.StatusBadRequest, true},
		{"unsupported_media", http.StatusUnsupportedMediaType, true},
		{"too_many_requests", http.StatusTooManyRequests, false},
		{"internal_server_error", http.StatusInternalServerError, false},
		{"service_unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t)
			httpmock.RegisterResponder(http.MethodPost, classifyURL,
				httpmock.NewStringResponder(tt.status, `{"detail":"nope"}`))

			_, err := client.Classify(context.Background(), writeImage(t, "a.png"))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, inference.IsPermanent(err))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, classifyURL,
		httpmock.NewErrorResponder(assert.AnError))

	_, err := client.Classify(context.Background(), writeImage(t, "a.jpeg"))
	require.Error(t, err)
	assert.False(t, inference.IsPermanent(err))
}

func TestClassifyUnsupportedExtension(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Classify(context.Background(), writeImage(t, "a.gif"))
	assert.ErrorIs(t, err, inference.ErrUnsupportedFormat)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestClassifyRateLimited(t *testing.T) {
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder(http.MethodPost, classifyURL,
		httpmock.NewStringResponder(http.StatusOK, `{"predictions":[]}`))

	client := NewClient(config.ImageConfig{
		ClassifierURL: "http://classifier.test",
		TopK:          5,
		RateLimit:     20,
	}, nil, httpClient)

	path := writeImage(t, "a.jpg")
	start := time.Now()
	for i := 0; i < 3; i++ {
		preds, err := client.Classify(context.Background(), path)
		require.NoError(t, err)
		assert.Empty(t, preds)
	}
	// burst of one at 20/s: the 2nd and 3rd calls wait ~50ms each
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
