package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the slice of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads JSONL snapshots of the retained window to a bucket so
// the trail survives ring eviction and restarts.
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	clock  func() time.Time
}

// NewArchiver creates an archiver writing under bucket/prefix.
func NewArchiver(client PutObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix, clock: time.Now}
}

// WithClock overrides the clock used to name archive objects.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Archive uploads entries as one object and returns its key. An empty
// slice uploads nothing.
func (a *Archiver) Archive(ctx context.Context, entries []Entry) (string, error) {
	if a.client == nil || a.bucket == "" {
		return "", fmt.Errorf("fail-closed: audit archive bucket not configured")
	}
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("audit: encode entry %d: %w", e.Sequence, err)
		}
	}

	key := fmt.Sprintf("%saudit-%s-%06d-%06d.jsonl",
		a.prefix,
		a.clock().UTC().Format("20060102T150405Z"),
		entries[0].Sequence,
		entries[len(entries)-1].Sequence,
	)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: archive upload: %w", err)
	}
	return key, nil
}
