// Package image calls the camera-trap species classification service.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wildlife-backend/config"
	"wildlife-backend/internal/inference"
	"wildlife-backend/internal/utils"
)

var supportedExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

type classifyResponse struct {
	Predictions []struct {
		Label          string  `json:"label"`
		ScientificName string  `json:"scientific_name"`
		CommonName     string  `json:"common_name"`
		Score          float64 `json:"score"`
		TaxonomicLevel string  `json:"taxonomic_level"`
	} `json:"predictions"`
}

type Client struct {
	endpoint   string
	topK       int
	httpClient *http.Client
	limiter    *rate.Limiter
	guard      *inference.Guard
}

// NewClient builds a classifier client. httpClient may be nil.
func NewClient(cfg config.ImageConfig, guard *inference.Guard, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if guard == nil {
		guard = inference.NewGuard(1)
	}
	c := &Client{
		endpoint:   strings.TrimRight(cfg.ClassifierURL, "/") + "/classify",
		topK:       cfg.TopK,
		httpClient: httpClient,
		guard:      guard,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// Classify returns at most topK predictions ordered by descending confidence.
func (c *Client) Classify(ctx context.Context, path string) ([]inference.Prediction, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return nil, eris.Wrapf(inference.ErrUnsupportedFormat, "image: extension %q", ext)
	}

	body, contentType, err := multipartBody(path, ext)
	if err != nil {
		return nil, err
	}

	var preds []inference.Prediction
	err = c.guard.Do(ctx, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "image: rate limit wait")
			}
		}
		var err error
		preds, err = c.post(ctx, body, contentType)
		return err
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

func multipartBody(path, ext string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", eris.Wrap(err, "image: open file")
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", utils.ContentTypeFor(ext))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", eris.Wrap(err, "image: create form part")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", eris.Wrap(err, "image: read file")
	}
	if err := w.Close(); err != nil {
		return nil, "", eris.Wrap(err, "image: close form")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) ([]inference.Prediction, error) {
	u := c.endpoint + "?" + url.Values{"top_k": {strconv.Itoa(c.topK)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "image: build request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "image: classifier request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, eris.Errorf("image: classifier unavailable: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		default:
			return nil, eris.Wrapf(inference.ErrRejected, "image: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
	}

	var decoded classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, eris.Wrap(err, "image: decode classifier response")
	}

	preds := make([]inference.Prediction, 0, len(decoded.Predictions))
	for _, p := range decoded.Predictions {
		name := p.ScientificName
		if name == "" {
			name = p.Label
		}
		preds = append(preds, inference.Prediction{
			Label:          p.Label,
			ScientificName: name,
			CommonName:     p.CommonName,
			Confidence:     p.Score,
			TaxonomicLevel: p.TaxonomicLevel,
		})
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
	if len(preds) > c.topK {
		preds = preds[:c.topK]
	}

	zap.L().Debug("image classified",
		zap.Int("predictions", len(preds)),
		zap.Duration("elapsed", time.Since(start)))
	return preds, nil
}
