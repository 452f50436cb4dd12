// Package s3source serves listings of an S3 bucket. Key prefixes act as
// directories, split on "/".
package s3source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/internal/metrics"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
)

// DefaultPageSize is the number of keys asked for per ListObjectsV2 call.
const DefaultPageSize = 50

// Lister is the part of the S3 client the source uses.
type Lister interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds S3 connection settings.
type Config struct {
	Endpoint     string // empty uses AWS
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	PageSize     int
}

// Source lists a bucket one ListObjectsV2 page at a time. S3 pages can
// only be reached through continuation tokens, so the token leading to
// every page seen so far is remembered per scope.
type Source struct {
	client   Lister
	bucket   string
	pageSize int
	log      *zap.Logger

	mu     sync.Mutex
	tokens map[string][]*string // scope -> token for page i; nil means first page
	ends   map[string]int       // scope -> number of pages once the last was seen
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithLister(client, cfg.Bucket, cfg.PageSize, log), nil
}

// NewWithLister wraps an existing client.
func NewWithLister(client Lister, bucket string, pageSize int, log *zap.Logger) *Source {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		client:   client,
		bucket:   bucket,
		pageSize: pageSize,
		log:      log,
		tokens:   make(map[string][]*string),
		ends:     make(map[string]int),
	}
}

// Load returns rows [start, end] of the directory scope. Rows are in key
// order with each page's prefixes and objects merged.
func (s *Source) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	if start < 0 {
		start = 0
	}
	if end < start {
		return nil, nil
	}
	prefix := scopePrefix(scope)

	var out []models.Item
	for pg := start / s.pageSize; pg <= end/s.pageSize; pg++ {
		items, err := s.page(ctx, prefix, pg)
		if err != nil {
			return nil, err
		}
		base := pg * s.pageSize
		for i, it := range items {
			if idx := base + i; idx >= start && idx <= end {
				out = append(out, it)
			}
		}
		if len(items) < s.pageSize {
			break
		}
	}
	return out, nil
}

// Invalidate forgets the continuation tokens of every scope.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string][]*string)
	s.ends = make(map[string]int)
}

// page fetches page pg of prefix, walking forward from the furthest page
// with a known token.
func (s *Source) page(ctx context.Context, prefix string, pg int) ([]models.Item, error) {
	for {
		s.mu.Lock()
		if n, ok := s.ends[prefix]; ok && pg >= n {
			s.mu.Unlock()
			return nil, nil
		}
		tokens := s.tokens[prefix]
		if len(tokens) == 0 {
			tokens = []*string{nil}
			s.tokens[prefix] = tokens
		}
		known := len(tokens) - 1
		s.mu.Unlock()

		at := min(pg, known)
		items, next, err := s.list(ctx, prefix, tokens[at])
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if next == nil {
			s.ends[prefix] = at + 1
		} else if len(s.tokens[prefix]) == at+1 {
			s.tokens[prefix] = append(s.tokens[prefix], next)
		}
		s.mu.Unlock()

		if at == pg {
			return items, nil
		}
		if next == nil {
			return nil, nil
		}
	}
}

func (s *Source) list(ctx context.Context, prefix string, token *string) ([]models.Item, *string, error) {
	began := time.Now()
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(s.bucket),
		Prefix:            aws.String(prefix),
		Delimiter:         aws.String("/"),
		MaxKeys:           aws.Int32(int32(s.pageSize)),
		ContinuationToken: token,
	})
	metrics.RecordSourceOperation("s3", "list_objects", time.Since(began), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, classify(fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err))
	}

	items := make([]models.Item, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		key := aws.ToString(cp.Prefix)
		n := &models.FileNode{
			Name:  baseName(strings.TrimSuffix(key, "/")),
			Path:  "/" + strings.TrimSuffix(key, "/"),
			IsDir: true,
		}
		items = append(items, models.ItemFromNode(n, 0, false))
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			// Directory marker object.
			continue
		}
		n := &models.FileNode{
			Name:    baseName(key),
			Path:    "/" + key,
			Size:    aws.ToInt64(obj.Size),
			ModTime: aws.ToTime(obj.LastModified),
			Hash:    strings.Trim(aws.ToString(obj.ETag), `"`),
		}
		items = append(items, models.ItemFromNode(n, 0, false))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	var next *string
	if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
		next = out.NextContinuationToken
	}
	s.log.Debug("Listed S3 page",
		zap.String("prefix", prefix),
		zap.Int("items", len(items)),
		zap.Bool("truncated", next != nil))
	return items, next, nil
}

// classify marks client errors as permanent and the rest as retryable.
func classify(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return retry.Permanent(err)
		}
		return retry.Retryable(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return retry.Permanent(err)
		}
	}
	return retry.Retryable(err)
}

func scopePrefix(scope string) string {
	p := strings.Trim(scope, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
