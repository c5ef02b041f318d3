// Package fulfillment is the worker's unit of work: it writes a receipt for
// each order to local disk or to S3.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"orderflow/internal/config"
	"orderflow/internal/queue"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Receipt is the document written for a fulfilled order.
type Receipt struct {
	OrderID     int64           `json:"order_id"`
	JobID       string          `json:"job_id"`
	Product     string          `json:"product"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	FulfilledAt time.Time       `json:"fulfilled_at"`
}

// ReceiptHandler simulates order processing time and stores a receipt.
type ReceiptHandler struct {
	store    uploader
	duration time.Duration
	now      func() time.Time
}

// NewReceiptHandler writes to S3 when a bucket is configured, otherwise to
// cfg.ReceiptDir.
func NewReceiptHandler(ctx context.Context, cfg config.Config) (*ReceiptHandler, error) {
	if cfg.ReceiptS3Bucket == "" {
		return NewLocalReceiptHandler(cfg.ReceiptDir, cfg.WorkDuration), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ReceiptHandler{
		store:    &s3Uploader{client: client, bucket: cfg.ReceiptS3Bucket},
		duration: cfg.WorkDuration,
		now:      time.Now,
	}, nil
}

// NewLocalReceiptHandler writes receipts under dir.
func NewLocalReceiptHandler(dir string, duration time.Duration) *ReceiptHandler {
	if dir == "" {
		dir = "./receipts"
	}
	return &ReceiptHandler{store: &localUploader{baseDir: dir}, duration: duration, now: time.Now}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReceiptS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReceiptS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReceiptS3Endpoint)
		}
		o.UsePathStyle = cfg.ReceiptS3PathStyle
	}), nil
}

// Handle fulfills the order described by msg.
func (h *ReceiptHandler) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Quantity <= 0 {
		return fmt.Errorf("order %d: quantity %d is not positive", msg.OrderID, msg.Quantity)
	}
	if h.duration > 0 {
		t := time.NewTimer(h.duration)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	body, err := json.MarshalIndent(Receipt{
		OrderID:     msg.OrderID,
		JobID:       msg.JobID,
		Product:     msg.Product,
		Quantity:    msg.Quantity,
		UnitPrice:   msg.Price,
		Total:       msg.Price.Mul(decimal.NewFromInt(int64(msg.Quantity))),
		FulfilledAt: h.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	if _, err := h.store.Upload(ctx, ReceiptKey(msg), body, "application/json"); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	return nil
}

// ReceiptKey is the object key of the receipt for msg.
func ReceiptKey(msg queue.Message) string {
	return fmt.Sprintf("receipts/%d/%s.json", msg.OrderID, msg.JobID)
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if filepath.IsAbs(key) || !filepath.IsLocal(key) {
		return "", errors.New("receipt key escapes the receipt directory")
	}
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
