/**
 * Background job queue for the drawings annotation worker.
 *
 * Detection is slow enough that callers may queue sheet processing
 * instead of waiting on the request. Handlers re-check processing state,
 * so a redelivered task never runs detection twice: ALREADY_PROCESSED is
 * success.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/processor"
)

const (
	// TypeUploadProcess runs detection on every page of an upload.
	TypeUploadProcess = "upload:process"
	// TypeSheetProcess runs detection on one page.
	TypeSheetProcess = "sheet:process"
)

// UploadTask is the payload of an upload:process task.
type UploadTask struct {
	UploadID string `json:"upload_id"`
}

// SheetTask is the payload of a sheet:process task.
type SheetTask struct {
	UploadID string `json:"upload_id"`
	PageNum  int    `json:"page_num"`
}

// Client enqueues processing tasks.
type Client struct {
	client *asynq.Client
	queue  string
	logger *logging.Logger
}

// NewClient creates an enqueue client against the Redis queue.
func NewClient(redisURL, queue string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
		logger: logging.NewLogger("QueueClient"),
	}, nil
}

// EnqueueUpload queues detection for every page of an upload.
func (c *Client) EnqueueUpload(ctx context.Context, uploadID string) error {
	payload, err := json.Marshal(UploadTask{UploadID: uploadID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeUploadProcess, payload)
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	if err != nil {
		return fmt.Errorf("failed to enqueue upload task: %w", err)
	}
	c.logger.Info("Upload task enqueued", "uploadId", uploadID, "taskId", info.ID)
	return nil
}

// EnqueueSheet queues detection for one page.
func (c *Client) EnqueueSheet(ctx context.Context, uploadID string, pageNum int) error {
	payload, err := json.Marshal(SheetTask{UploadID: uploadID, PageNum: pageNum})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeSheetProcess, payload)
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	if err != nil {
		return fmt.Errorf("failed to enqueue sheet task: %w", err)
	}
	c.logger.Info("Sheet task enqueued", "uploadId", uploadID, "page", pageNum, "taskId", info.ID)
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Consumer runs the asynq server and dispatches processing tasks.
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor *processor.AnnotationProcessor
	logger    *logging.Logger
}

// NewConsumer creates a queue consumer.
func NewConsumer(redisURL, queue string, concurrency int, proc *processor.AnnotationProcessor) (*Consumer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	})

	c := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: proc,
		logger:    logging.NewLogger("QueueConsumer"),
	}
	c.mux.HandleFunc(TypeUploadProcess, c.handleUpload)
	c.mux.HandleFunc(TypeSheetProcess, c.handleSheet)
	return c, nil
}

// Start begins consuming tasks. Non-blocking.
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer")
	return c.server.Start(c.mux)
}

// Shutdown waits for in-flight tasks and stops the server.
func (c *Consumer) Shutdown() {
	c.logger.Info("Shutting down queue consumer")
	c.server.Shutdown()
}

func (c *Consumer) handleUpload(ctx context.Context, task *asynq.Task) error {
	var payload UploadTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid upload task payload: %w", err)
	}

	meta, err := c.processor.Docs().GetMeta(ctx, payload.UploadID)
	if err != nil {
		if errors.IsNotFound(err) {
			c.logger.Warn("Dropping task for unknown upload", "uploadId", payload.UploadID)
			return nil
		}
		return err
	}

	for pageNum := 1; pageNum <= meta.TotalPages; pageNum++ {
		if err := c.processSheet(ctx, payload.UploadID, pageNum); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) handleSheet(ctx context.Context, task *asynq.Task) error {
	var payload SheetTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sheet task payload: %w", err)
	}
	return c.processSheet(ctx, payload.UploadID, payload.PageNum)
}

func (c *Consumer) processSheet(ctx context.Context, uploadID string, pageNum int) error {
	_, err := c.processor.ProcessSheet(ctx, uploadID, pageNum)
	if errors.IsAlreadyProcessed(err) {
		c.logger.Info("Sheet already processed, skipping", "uploadId", uploadID, "page", pageNum)
		return nil
	}
	return err
}
