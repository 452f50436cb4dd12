package s3source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/fruitsalade/vlist/pkg/retry"
)

// fakeBucket answers ListObjectsV2 the way S3 does: prefixes and keys
// merged in key order, MaxKeys entries per page, opaque tokens.
type fakeBucket struct {
	keys []string

	mu     sync.Mutex
	calls  []string // continuation token of each call, "" for the first page
	failAt int      // 1-based call number to fail, 0 never
	err    error
}

func (b *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	b.calls = append(b.calls, aws.ToString(in.ContinuationToken))
	n := len(b.calls)
	b.mu.Unlock()
	if b.failAt == n {
		return nil, b.err
	}

	prefix := aws.ToString(in.Prefix)
	seen := map[string]bool{}
	var entries []string
	for _, k := range b.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				entries = append(entries, cp)
			}
			continue
		}
		entries = append(entries, k)
	}
	sort.Strings(entries)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(strings.TrimPrefix(tok, "tok-"))
	}
	end := min(start+int(aws.ToInt32(in.MaxKeys)), len(entries))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(entries))}
	for _, e := range entries[start:end] {
		if strings.HasSuffix(e, "/") {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e)})
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e),
			Size:         aws.Int64(int64(len(e))),
			LastModified: aws.Time(time.Unix(1700000000, 0)),
			ETag:         aws.String(`"etag"`),
		})
	}
	if end < len(entries) {
		out.NextContinuationToken = aws.String(fmt.Sprintf("tok-%d", end))
	}
	return out, nil
}

func (b *fakeBucket) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func bucketOf(n int) *fakeBucket {
	b := &fakeBucket{}
	for i := 0; i < n; i++ {
		b.keys = append(b.keys, fmt.Sprintf("photos/img%03d.jpg", i))
	}
	b.keys = append(b.keys, "photos/2024/a.jpg", "photos/2024/b.jpg", "readme.md")
	return b
}

func TestLoadFirstPage(t *testing.T) {
	b := bucketOf(25)
	s := NewWithLister(b, "media", 10, nil)

	items, err := s.Load(context.Background(), "/photos", 0, 9)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 10 {
		t.Fatalf("expected 10 items, got %d", len(items))
	}
	if items[0].Key != "/photos/2024" || !items[0].IsDir || items[0].Name != "2024" {
		t.Errorf("expected prefix first, got %+v", items[0])
	}
	if items[1].Key != "/photos/img000.jpg" || items[1].Size != int64(len("photos/img000.jpg")) {
		t.Errorf("unexpected object row %+v", items[1])
	}
}

func TestLoadWalksAndMemoizesTokens(t *testing.T) {
	b := bucketOf(25) // 26 entries under photos/
	s := NewWithLister(b, "media", 10, nil)

	items, err := s.Load(context.Background(), "photos", 20, 29)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected short last page of 6, got %d", len(items))
	}
	if items[0].Key != "/photos/img019.jpg" {
		t.Errorf("unexpected first key %q", items[0].Key)
	}
	if n := b.callCount(); n != 3 {
		t.Errorf("expected walk of 3 pages, got %d calls", n)
	}

	// Page 1 token is known now: one call.
	items, err = s.Load(context.Background(), "photos", 10, 19)
	if err != nil || len(items) != 10 {
		t.Fatalf("Load page 1: %d items, %v", len(items), err)
	}
	if n := b.callCount(); n != 4 {
		t.Errorf("expected a single extra call, got %d total", n)
	}

	// Past the end is known without asking S3.
	items, err = s.Load(context.Background(), "photos", 30, 39)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty page, got %d items, %v", len(items), err)
	}
	if n := b.callCount(); n != 4 {
		t.Errorf("expected no call past the end, got %d total", n)
	}

	s.Invalidate()
	if _, err := s.Load(context.Background(), "photos", 10, 19); err != nil {
		t.Fatal(err)
	}
	if n := b.callCount(); n != 6 {
		t.Errorf("expected tokens to be rebuilt after invalidation, got %d total", n)
	}
}

func TestLoadRootListsPrefixes(t *testing.T) {
	s := NewWithLister(bucketOf(3), "media", 50, nil)
	items, err := s.Load(context.Background(), "/", 0, 49)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 2 || items[0].Key != "/photos" || items[1].Key != "/readme.md" {
		t.Errorf("unexpected root listing %+v", items)
	}
}

func responseError(code int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      errors.New("api error"),
		},
	}
}

func TestErrorsClassified(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"forbidden", responseError(http.StatusForbidden), true},
		{"not found", responseError(http.StatusNotFound), true},
		{"throttled", responseError(http.StatusTooManyRequests), false},
		{"server", responseError(http.StatusServiceUnavailable), false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bucketOf(5)
			b.failAt = 1
			b.err = tt.err
			s := NewWithLister(b, "media", 10, nil)

			_, err := s.Load(context.Background(), "photos", 0, 9)
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", retry.IsPermanent(err), tt.permanent)
			}
			if !tt.permanent && !retry.IsRetryable(err) {
				t.Error("expected retryable error")
			}
		})
	}
}

func TestScopePrefix(t *testing.T) {
	tests := map[string]string{"": "", "/": "", "/photos": "photos/", "photos/2024/": "photos/2024/"}
	for in, want := range tests {
		if got := scopePrefix(in); got != want {
			t.Errorf("scopePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
