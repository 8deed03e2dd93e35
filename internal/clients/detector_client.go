package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
)

// DetectedBox is one figure bounding box in sheet-global pixel
// coordinates. Crop ids are assigned by the caller in detection order.
type DetectedBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// DetectorClient calls the figure detection service.
type DetectorClient struct {
	baseURL    string
	retries    int
	httpClient *http.Client
	logger     *logging.Logger
}

type detectRequest struct {
	Image  string `json:"image"`
	Format string `json:"format"`
}

type detectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Boxes []DetectedBox `json:"boxes"`
	} `json:"data"`
}

// NewDetectorClient creates a detector client.
func NewDetectorClient(baseURL string, retries int) *DetectorClient {
	return &DetectorClient{
		baseURL: baseURL,
		retries: retries,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("DetectorClient"),
	}
}

// HealthCheck verifies the detector service is reachable.
func (c *DetectorClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL)
}

// Detect runs figure detection on a rasterized sheet image and returns the
// bounding boxes in detection order.
func (c *DetectorClient) Detect(ctx context.Context, image []byte) ([]DetectedBox, error) {
	c.logger.Info("Requesting figure detection", "imageSize", len(image))

	reqBody, err := json.Marshal(detectRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Format: "base64",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detect request: %w", err)
	}

	var boxes []DetectedBox
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/detect", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("detect request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read detect response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("detector returned status %d: %s", resp.StatusCode, string(body))
		}

		var detResp detectResponse
		if err := json.Unmarshal(body, &detResp); err != nil {
			return fmt.Errorf("failed to parse detect response: %w", err)
		}
		if !detResp.Success {
			return fmt.Errorf("detection failed: %s", detResp.Message)
		}

		boxes = detResp.Data.Boxes
		return nil
	}

	if err := withRetries(ctx, c.retries, attempt); err != nil {
		return nil, errors.NewExternalService("detector", "figure detection failed", err)
	}

	c.logger.Info("Figure detection complete", "boxes", len(boxes))
	return boxes, nil
}
