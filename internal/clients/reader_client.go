package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/logging"
)

// ReadLine is one recognized text line: a quadrilateral bounding polygon in
// crop-local pixel coordinates plus the recognized text.
type ReadLine struct {
	Polygon []geometry.Point
	Text    string
}

// ReaderClient calls a hosted read/OCR service. The service is
// asynchronous: submitting an image yields an operation id whose result is
// polled until a terminal status is reached.
type ReaderClient struct {
	baseURL      string
	apiKey       string
	retries      int
	pollInterval time.Duration
	maxWait      time.Duration
	httpClient   *http.Client
	logger       *logging.Logger
}

// readResult mirrors the read service's result payload. Bounding boxes
// arrive as flat [x1,y1,x2,y2,...] arrays, one quad per line.
type readResult struct {
	Status        string `json:"status"`
	AnalyzeResult struct {
		ReadResults []struct {
			Lines []struct {
				BoundingBox []int  `json:"boundingBox"`
				Text        string `json:"text"`
			} `json:"lines"`
		} `json:"readResults"`
	} `json:"analyzeResult"`
}

// NewReaderClient creates a reader client.
func NewReaderClient(baseURL, apiKey string, retries int, pollInterval, maxWait time.Duration) *ReaderClient {
	return &ReaderClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		retries:      retries,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("ReaderClient"),
	}
}

// HealthCheck verifies the read service is reachable.
func (c *ReaderClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL)
}

// ReadLines submits a crop image and polls until the read operation
// reaches a terminal status. A stuck "running" status becomes a typed
// timeout once maxWait elapses, never an infinite wait.
func (c *ReaderClient) ReadLines(ctx context.Context, image []byte) ([]ReadLine, error) {
	c.logger.Info("Submitting crop image for reading", "imageSize", len(image))

	opID, err := c.submit(ctx, image)
	if err != nil {
		return nil, err
	}

	result, err := c.waitForResult(ctx, opID)
	if err != nil {
		return nil, err
	}

	var lines []ReadLine
	for _, page := range result.AnalyzeResult.ReadResults {
		for _, line := range page.Lines {
			polygon := make([]geometry.Point, 0, len(line.BoundingBox)/2)
			for i := 0; i+1 < len(line.BoundingBox); i += 2 {
				polygon = append(polygon, geometry.Point{
					X: line.BoundingBox[i],
					Y: line.BoundingBox[i+1],
				})
			}
			lines = append(lines, ReadLine{Polygon: polygon, Text: line.Text})
		}
	}

	c.logger.Info("Read operation complete", "operationId", opID, "lines", len(lines))
	return lines, nil
}

// submit uploads the image and returns the operation id from the
// Operation-Location response header.
func (c *ReaderClient) submit(ctx context.Context, image []byte) (string, error) {
	var opID string
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/read/analyze", bytes.NewReader(image))
		if err != nil {
			return fmt.Errorf("failed to create submit request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if c.apiKey != "" {
			req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("submit request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("read service returned status %d: %s", resp.StatusCode, string(body))
		}

		location := resp.Header.Get("Operation-Location")
		if location == "" {
			return fmt.Errorf("read service response missing Operation-Location header")
		}
		parts := strings.Split(location, "/")
		opID = parts[len(parts)-1]
		return nil
	}

	if err := withRetries(ctx, c.retries, attempt); err != nil {
		return "", errors.NewExternalService("reader", "failed to submit read operation", err)
	}
	return opID, nil
}

// waitForResult polls the operation until it leaves the
// notStarted/running states or the wait cap is hit.
func (c *ReaderClient) waitForResult(ctx context.Context, opID string) (*readResult, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.getResult(ctx, opID)
		if err != nil {
			c.logger.Warn("Failed to poll read operation", "operationId", opID, "error", err)
		} else {
			switch result.Status {
			case "succeeded":
				return result, nil
			case "failed":
				return nil, errors.NewExternalService("reader",
					fmt.Sprintf("read operation %s failed", opID), nil)
			case "notStarted", "running":
				c.logger.Debug("Read operation still running", "operationId", opID)
			default:
				c.logger.Warn("Unknown read operation status",
					"operationId", opID, "status", result.Status)
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.NewExternalTimeout("reader", c.maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context done while polling read operation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *ReaderClient) getResult(ctx context.Context, opID string) (*readResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/read/analyzeResults/"+opID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create result request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("result request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read result response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("result poll returned status %d: %s", resp.StatusCode, string(body))
	}

	var result readResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result response: %w", err)
	}
	return &result, nil
}
