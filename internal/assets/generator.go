package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// GenerateImagePath is the image endpoint's fixed path.
const GenerateImagePath = "/api/generate-image"

type generateImageRequest struct {
	EntityType string `json:"entity_type"`
}

// Both spellings of the image field have been observed in the wild.
type generateImageResponse struct {
	ImageBase64      string `json:"image_base64"`
	ImageBase64Camel string `json:"imageBase64"`
	MimeType         string `json:"mime_type"`
}

// HTTPGenerator calls the image generation endpoint over HTTP.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator creates a generator against the given base URL. A
// nil client selects http.DefaultClient; the overall deadline is the
// service's concern, not the client's.
func NewHTTPGenerator(baseURL string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGenerator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Generate posts the entity type and returns the raw image payload.
func (g *HTTPGenerator) Generate(ctx context.Context, entityType string) (*GeneratedImage, error) {
	body, err := sonic.Marshal(generateImageRequest{EntityType: entityType})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+GenerateImagePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("image request failed: status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image response: %w", err)
	}
	var decoded generateImageResponse
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}

	data := decoded.ImageBase64
	if data == "" {
		data = decoded.ImageBase64Camel
	}
	return &GeneratedImage{Base64: data, MimeType: decoded.MimeType}, nil
}
