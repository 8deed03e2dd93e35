package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
)

// RendererClient calls the page rendering service, which rasterizes a
// single PDF page to a PNG at the requested DPI.
type RendererClient struct {
	baseURL    string
	retries    int
	httpClient *http.Client
	logger     *logging.Logger
}

// NewRendererClient creates a renderer client.
func NewRendererClient(baseURL string, retries int) *RendererClient {
	return &RendererClient{
		baseURL: baseURL,
		retries: retries,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logging.NewLogger("RendererClient"),
	}
}

// HealthCheck verifies the renderer service is reachable.
func (c *RendererClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL)
}

// RenderPage rasterizes one page (1-based) of the document to PNG bytes.
func (c *RendererClient) RenderPage(ctx context.Context, pdf []byte, pageNum, dpi int) ([]byte, error) {
	c.logger.Info("Rendering page", "page", pageNum, "dpi", dpi, "pdfSize", len(pdf))

	var png []byte
	attempt := func() error {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		part, err := writer.CreateFormFile("file", "document.pdf")
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(pdf); err != nil {
			return fmt.Errorf("failed to write form file: %w", err)
		}
		if err := writer.WriteField("page", strconv.Itoa(pageNum)); err != nil {
			return fmt.Errorf("failed to write page field: %w", err)
		}
		if err := writer.WriteField("dpi", strconv.Itoa(dpi)); err != nil {
			return fmt.Errorf("failed to write dpi field: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/render", &buf)
		if err != nil {
			return fmt.Errorf("failed to create render request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("render request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read render response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, string(body))
		}

		png = body
		return nil
	}

	if err := withRetries(ctx, c.retries, attempt); err != nil {
		return nil, errors.NewExternalService("renderer",
			fmt.Sprintf("failed to render page %d", pageNum), err)
	}

	c.logger.Info("Page rendered", "page", pageNum, "pngSize", len(png))
	return png, nil
}
