package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxImageBytes = 20 << 20

// Output is one stylized image.
type Output struct {
	Data        []byte
	ContentType string
}

// Generator produces one stylized image from one source image.
type Generator interface {
	Generate(ctx context.Context, theme, sourceRef string) (*Output, error)
}

// HTTPGenerator calls the image provider's edit endpoint. The provider either
// returns the image inline as base64 or a short-lived URL, which is fetched
// right away.
type HTTPGenerator struct {
	URL    string
	APIKey string

	HTTPClient *http.Client
}

func NewHTTPGenerator(url, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		URL:        strings.TrimSpace(url),
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Theme     string `json:"theme"`
	SourceURL string `json:"source_url"`
}

type generateResponse struct {
	ImageBase64 string `json:"image_base64"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Error       string `json:"error"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, theme, sourceRef string) (*Output, error) {
	if g.URL == "" {
		return nil, errors.New("GENERATION_API_URL is not configured")
	}
	raw, err := json.Marshal(generateRequest{Theme: theme, SourceURL: sourceRef})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes*2))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generation failed: status=%d body=%.200s", resp.StatusCode, string(body))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("generation response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("generation failed: %s", out.Error)
	}
	if out.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(out.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("generation response: %w", err)
		}
		return &Output{Data: data, ContentType: firstNonEmpty(out.ContentType, "image/png")}, nil
	}
	if out.URL != "" {
		return g.fetch(ctx, out.URL)
	}
	return nil, errors.New("generation response carries no image")
}

func (g *HTTPGenerator) fetch(ctx context.Context, url string) (*Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch generated image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, err
	}
	return &Output{Data: data, ContentType: firstNonEmpty(resp.Header.Get("Content-Type"), "image/png")}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
