// Package s3 serves segment bundles from S3 objects.
//
// Bundles live under a common prefix: span bundles at
// "spans/<low>-<high>" and per-name bundles at "names/<hex>". Fetch lists
// the span objects overlapping the request and downloads the matching
// bundles in parallel.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/remote"
	"github.com/hupe1980/segdag/spanset"
)

// Options configures the S3 remote.
type Options struct {
	// Compression is used when publishing bundles.
	Compression remote.CompressionType

	// MaxParallel bounds concurrent object downloads per fetch.
	MaxParallel int
}

// DefaultOptions returns default S3 remote options.
var DefaultOptions = Options{
	Compression: remote.CompressionZSTD,
	MaxParallel: 8,
}

// Remote fetches bundles from an S3 bucket.
type Remote struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	bucket     string
	prefix     string
	opts       Options
}

// New creates an S3 remote. rootPrefix is prepended to all keys.
func New(client *s3.Client, bucket, rootPrefix string, optFns ...func(o *Options)) *Remote {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Remote{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		bucket:     bucket,
		prefix:     rootPrefix,
		opts:       opts,
	}
}

// NewFromEnv creates an S3 remote with a client built from the default AWS
// configuration chain (environment, shared config, instance role).
func NewFromEnv(ctx context.Context, bucket, rootPrefix string, optFns ...func(o *Options)) (*Remote, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, rootPrefix, optFns...), nil
}

func (r *Remote) key(name string) string {
	return path.Join(r.prefix, name)
}

func spanKey(sp spanset.Span) string {
	return fmt.Sprintf("spans/%016x-%016x", uint64(sp.Low), uint64(sp.High))
}

func nameKey(name core.VertexName) string {
	return "names/" + name.Hex()
}

// parseSpanKey reverses spanKey applied to a bare object name.
func parseSpanKey(key string) (spanset.Span, bool) {
	base := path.Base(key)
	lowStr, highStr, ok := strings.Cut(base, "-")
	if !ok {
		return spanset.Span{}, false
	}
	low, err1 := strconv.ParseUint(lowStr, 16, 64)
	high, err2 := strconv.ParseUint(highStr, 16, 64)
	if err1 != nil || err2 != nil || low > high {
		return spanset.Span{}, false
	}
	return spanset.Span{Low: core.Id(low), High: core.Id(high)}, true
}

func (r *Remote) Fetch(ctx context.Context, req remote.Request) (*remote.Bundle, error) {
	keys, err := r.resolveKeys(ctx, req)
	if err != nil {
		return nil, err
	}

	bundles := make([]*remote.Bundle, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxParallel)
	for i, key := range keys {
		g.Go(func() error {
			b, err := r.download(gctx, key)
			if err != nil {
				return err
			}
			bundles[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &remote.Bundle{}
	for _, b := range bundles {
		out.Merge(b)
	}
	return out, nil
}

// resolveKeys maps the request to object keys: one listing pass matches
// span objects against the requested spans, names map directly.
func (r *Remote) resolveKeys(ctx context.Context, req remote.Request) ([]string, error) {
	var keys []string

	if len(req.Spans) > 0 {
		published, err := r.listSpans(ctx)
		if err != nil {
			return nil, err
		}
		for _, want := range req.Spans {
			found := false
			for key, have := range published {
				if have.Overlaps(want) {
					keys = append(keys, key)
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: span %s", remote.ErrNotFound, want)
			}
		}
	}
	for _, name := range req.Names {
		keys = append(keys, r.key(nameKey(name)))
	}
	return dedup(keys), nil
}

func (r *Remote) listSpans(ctx context.Context) (map[string]spanset.Span, error) {
	published := make(map[string]spanset.Span)

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.key("spans/")),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if sp, ok := parseSpanKey(*obj.Key); ok {
				published[*obj.Key] = sp
			}
		}
	}
	return published, nil
}

func (r *Remote) download(ctx context.Context, key string) (*remote.Bundle, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := r.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, key)
		}
		return nil, err
	}
	return remote.DecodeBundle(buf.Bytes())
}

// PublishSpan uploads a bundle as the span object covering its segments.
func (r *Remote) PublishSpan(ctx context.Context, sp spanset.Span, bundle *remote.Bundle) error {
	return r.put(ctx, r.key(spanKey(sp)), bundle)
}

// PublishName uploads a bundle resolving a single vertex name.
func (r *Remote) PublishName(ctx context.Context, name core.VertexName, bundle *remote.Bundle) error {
	return r.put(ctx, r.key(nameKey(name)), bundle)
}

func (r *Remote) put(ctx context.Context, key string, bundle *remote.Bundle) error {
	data, err := remote.EncodeBundle(bundle, r.opts.Compression)
	if err != nil {
		return err
	}
	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
