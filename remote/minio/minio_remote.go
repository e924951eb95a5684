// Package minio serves segment bundles from MinIO and other S3-compatible
// object stores, using the same object layout as the s3 package.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/remote"
	"github.com/hupe1980/segdag/spanset"
)

// Options configures the MinIO remote.
type Options struct {
	// Compression is used when publishing bundles.
	Compression remote.CompressionType

	// MaxParallel bounds concurrent object downloads per fetch.
	MaxParallel int
}

// DefaultOptions returns default MinIO remote options.
var DefaultOptions = Options{
	Compression: remote.CompressionZSTD,
	MaxParallel: 8,
}

// Remote fetches bundles from a MinIO bucket.
type Remote struct {
	client *minio.Client
	bucket string
	prefix string
	opts   Options
}

// New creates a MinIO remote. rootPrefix is prepended to all keys.
func New(client *minio.Client, bucket, rootPrefix string, optFns ...func(o *Options)) *Remote {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Remote{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		opts:   opts,
	}
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

func (r *Remote) resolveKeys(ctx context.Context, req remote.Request) ([]string, error) {
	var keys []string

	if len(req.Spans) > 0 {
		published := make(map[string]spanset.Span)
		for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
			Prefix:    r.key("spans/"),
			Recursive: true,
		}) {
			if obj.Err != nil {
				return nil, obj.Err
			}
			if sp, ok := parseSpanKey(obj.Key); ok {
				published[obj.Key] = sp
			}
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

	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

func (r *Remote) download(ctx context.Context, key string) (*remote.Bundle, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, key)
		}
		return nil, err
	}
	return remote.DecodeBundle(data)
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
	_, err = r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}
