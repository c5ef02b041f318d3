package fulfillment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/config"
	"orderflow/internal/queue"
)

func widgetMessage() queue.Message {
	return queue.Message{JobID: "job-1-1700000000000-abcd1234", OrderID: 1, Product: "widget", Quantity: 2, Price: decimal.RequireFromString("9.99")}
}

func TestLocalReceipt(t *testing.T) {
	dir := t.TempDir()
	h := NewLocalReceiptHandler(dir, 0)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	msg := widgetMessage()
	require.NoError(t, h.Handle(context.Background(), msg))

	raw, err := os.ReadFile(filepath.Join(dir, ReceiptKey(msg)))
	require.NoError(t, err)

	var r Receipt
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, msg.OrderID, r.OrderID)
	assert.Equal(t, msg.JobID, r.JobID)
	assert.True(t, r.Total.Equal(decimal.RequireFromString("19.98")))
	assert.True(t, fixed.Equal(r.FulfilledAt))
}

func TestReceiptRejectsBadQuantity(t *testing.T) {
	h := NewLocalReceiptHandler(t.TempDir(), 0)
	msg := widgetMessage()
	msg.Quantity = 0
	assert.Error(t, h.Handle(context.Background(), msg))
}

func TestReceiptWorkHonorsCancellation(t *testing.T) {
	h := NewLocalReceiptHandler(t.TempDir(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Handle(ctx, widgetMessage()), context.Canceled)
}

func TestReceiptWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	h := NewLocalReceiptHandler(blocker, 0)
	assert.Error(t, h.Handle(context.Background(), widgetMessage()))
}

func TestS3Receipt(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := config.Config{
		ReceiptS3Bucket:    "receipts-bucket",
		ReceiptS3Region:    "us-east-1",
		ReceiptS3Endpoint:  srv.URL,
		ReceiptS3PathStyle: true,
	}
	h, err := NewReceiptHandler(context.Background(), cfg)
	require.NoError(t, err)

	msg := widgetMessage()
	require.NoError(t, h.Handle(context.Background(), msg))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/receipts-bucket/"+ReceiptKey(msg), gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Contains(t, string(gotBody), `"product": "widget"`)
}
