package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.contentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, n := range names {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(n)})
	}
	return out, nil
}

func TestS3Blob_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	b := newS3Blob(fake, "news", "/articles/")
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k.json", []byte(`{"v":1}`)))
	require.NoError(t, b.Put(ctx, "k.json", []byte(`{"v":2}`)))

	assert.Contains(t, fake.objects, "articles/k.json")
	assert.Equal(t, "application/json", fake.contentTypes["articles/k.json"])

	got, err := b.Get(ctx, "k.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(got))
}

func TestS3Blob_NotFound(t *testing.T) {
	b := newS3Blob(newFakeS3(), "news", "")

	_, err := b.Get(context.Background(), "absent.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Blob_KeysStripPrefix(t *testing.T) {
	fake := newFakeS3()
	fake.objects["articles/a.json"] = []byte("a")
	fake.objects["articles/b.json"] = []byte("b")
	fake.objects["articles/nested/c.json"] = []byte("c")
	fake.objects["other/d.json"] = []byte("d")

	b := newS3Blob(fake, "news", "articles")
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, keys)

	require.NoError(t, b.Delete(context.Background(), "a.json"))
	assert.NotContains(t, fake.objects, "articles/a.json")
}
