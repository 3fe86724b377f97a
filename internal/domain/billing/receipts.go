package billing

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/minio/minio-go/v7"
)

// ReceiptArchive keeps a copy of every receipt issued by the gateway.
type ReceiptArchive interface {
	Store(ctx context.Context, encounterID string, r *Receipt) error
}

// NopArchive discards receipts.
type NopArchive struct{}

func (NopArchive) Store(context.Context, string, *Receipt) error { return nil }

type minioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive stores receipts as JSON objects under
// receipts/<encounter>/<payment ref>.json.
func NewMinioArchive(client *minio.Client, bucket string) ReceiptArchive {
	return &minioArchive{client: client, bucket: bucket}
}

// ReceiptKey is the object key a receipt is stored under.
func ReceiptKey(encounterID string, ref PaymentRef) string {
	return fmt.Sprintf("receipts/%s/%s.json", encounterID, ref)
}

func (a *minioArchive) Store(ctx context.Context, encounterID string, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	key := ReceiptKey(encounterID, r.PaymentRef)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put receipt %s in bucket %s: %w", key, a.bucket, err)
	}
	return nil
}
