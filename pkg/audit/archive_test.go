package audit

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	bucket string
	key    string
	body   string
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	data, _ := io.ReadAll(in.Body)
	f.body = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiver_UploadsJSONL(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	_, _ = l.Record(ctx, Entry{Type: EventLifecycle, Summary: "started"})
	_, _ = l.Record(ctx, Entry{Type: EventPolicyDecision, Summary: "allowed"})

	client := &fakeS3{}
	a := NewArchiver(client, "audit-bucket", "warden/").
		WithClock(func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) })

	key, err := a.Archive(ctx, l.Recent(0))
	require.NoError(t, err)
	assert.Equal(t, "warden/audit-20260504T030201Z-000001-000002.jsonl", key)
	assert.Equal(t, "audit-bucket", client.bucket)

	sc := bufio.NewScanner(strings.NewReader(client.body))
	lines := 0
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestArchiver_EmptyAndMisconfigured(t *testing.T) {
	key, err := NewArchiver(&fakeS3{}, "b", "").Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = NewArchiver(nil, "b", "").Archive(context.Background(), []Entry{{Sequence: 1}})
	assert.Error(t, err)

	_, err = NewArchiver(&fakeS3{err: assert.AnError}, "b", "").Archive(context.Background(), []Entry{{Sequence: 1}})
	assert.ErrorIs(t, err, assert.AnError)
}
