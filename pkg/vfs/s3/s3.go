// Package s3 implements the vfs.Backend contract on top of an S3 bucket,
// including S3-compatible stores like MinIO via a custom endpoint.
//
// Object stores have no real directories, so the usual convention applies:
// a path maps to the object key, a directory is a zero-byte marker object
// with a trailing slash, and listing uses the "/" delimiter to fold deeper
// keys into one level.
package s3

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spf13/afero"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// Spool space for staged writes. Mocked out for unit testing.
var fs = afero.NewOsFs()

// Config carries everything needed to reach one bucket. Endpoint is
// optional; when set, path-style addressing is forced for compatibility
// with MinIO and friends.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// Prefix confines the backend to a subtree of the bucket.
	Prefix string
}

// objectClient is the slice of the S3 API the backend uses. Tests provide
// an in-memory implementation.
type objectClient interface {
	ListObjectsV2(ctx context.Context, input *awss3.ListObjectsV2Input,
		opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, input *awss3.HeadObjectInput,
		opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, input *awss3.GetObjectInput,
		opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, input *awss3.PutObjectInput,
		opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, input *awss3.DeleteObjectsInput,
		opts ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
}

// Backend serves one bucket (or a prefix within it) as a vfs.Backend.
type Backend struct {
	client objectClient
	bucket string
	prefix string
	name   string
}

// New builds a backend from a fully resolved config record.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "load aws config")
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newWithClient(client objectClient, bucket, prefix string) *Backend {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{
		client: client,
		bucket: bucket,
		prefix: prefix,
		name:   "s3:" + bucket,
	}
}

// Capabilities reports the object-store restrictions: no append, no
// permissions, and no rename. Callers copy and delete instead.
func (b *Backend) Capabilities() vfs.Capabilities {
	return vfs.Capabilities{
		Streaming:   false,
		Append:      false,
		Permissions: false,
		Rename:      false,
	}
}

func (b *Backend) String() string {
	return b.name
}

// Close is a no-op; the SDK client holds no connection state worth tearing
// down.
func (b *Backend) Close() error {
	return nil
}

// key maps a backend-relative path to an object key.
func (b *Backend) key(rel string) string {
	rel = vfs.CleanPath(rel)
	if rel == "." {
		return strings.TrimSuffix(b.prefix, "/")
	}
	return b.prefix + rel
}

// List returns the entries directly under the given path. Directories come
// from the listing's common prefixes, so they show up whether or not a
// marker object exists.
func (b *Backend) List(ctx context.Context, rel string) ([]vfs.Entry, error) {
	rel = vfs.CleanPath(rel)
	prefix := b.prefix
	if rel != "." {
		prefix = b.key(rel) + "/"
		if _, err := b.Stat(ctx, rel); err != nil {
			return nil, err
		}
	}

	var entries []vfs.Entry
	var continuation *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, mapErr(err, rel)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				// The directory's own marker object.
				continue
			}
			entries = append(entries, vfs.Entry{
				Path:    b.relPath(key),
				Kind:    vfs.KindFile,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified).UTC(),
			})
		}
		for _, cp := range page.CommonPrefixes {
			entries = append(entries, vfs.Entry{
				Path: b.relPath(strings.TrimSuffix(aws.ToString(cp.Prefix), "/")),
				Kind: vfs.KindDir,
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			return entries, nil
		}
		continuation = page.NextContinuationToken
	}
}

func (b *Backend) relPath(key string) string {
	return vfs.CleanPath(strings.TrimPrefix(key, b.prefix))
}

// Stat resolves a path to either an object or a directory. A path counts
// as a directory if its marker object exists or any object lives beneath
// it.
func (b *Backend) Stat(ctx context.Context, rel string) (vfs.Entry, error) {
	rel = vfs.CleanPath(rel)
	if rel == "." {
		return vfs.Entry{Path: ".", Kind: vfs.KindDir}, nil
	}

	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err == nil {
		return vfs.Entry{
			Path:    rel,
			Kind:    vfs.KindFile,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified).UTC(),
		}, nil
	}
	if !isNotFound(err) {
		return vfs.Entry{}, mapErr(err, rel)
	}

	// Not an object; perhaps a directory.
	page, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.key(rel) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return vfs.Entry{}, mapErr(err, rel)
	}
	if len(page.Contents) > 0 {
		return vfs.Entry{Path: rel, Kind: vfs.KindDir}, nil
	}
	return vfs.Entry{}, errors.NotFound{Path: rel}
}

// OpenRead streams the object contents.
func (b *Backend) OpenRead(ctx context.Context, rel string) (io.ReadCloser, error) {
	rel = vfs.CleanPath(rel)
	obj, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err != nil {
		return nil, mapErr(err, rel)
	}
	return obj.Body, nil
}

// OpenWrite spools the contents locally, then uploads as one PutObject on
// Commit. PutObject is atomic on the S3 side, so the FileWriter contract
// holds without staging tricks.
func (b *Backend) OpenWrite(ctx context.Context, rel string, opts vfs.WriteOptions) (vfs.FileWriter, error) {
	rel = vfs.CleanPath(rel)
	spool, err := afero.TempFile(fs, "", "abyss-spool-*")
	if err != nil {
		return nil, errors.Transport{Err: errors.WithContext(err, "create spool file")}
	}
	return &spoolWriter{ctx: ctx, backend: b, relPath: rel, spool: spool}, nil
}

// Delete removes an object, or a whole prefix when recursive. Deleting a
// non-empty directory without recursive fails the way a filesystem would.
func (b *Backend) Delete(ctx context.Context, rel string, recursive bool) error {
	rel = vfs.CleanPath(rel)
	entry, err := b.Stat(ctx, rel)
	if err != nil {
		return err
	}

	if entry.Kind != vfs.KindDir {
		return b.deleteKeys(ctx, rel, []string{b.key(rel)})
	}

	prefix := b.key(rel) + "/"
	var keys []string
	var continuation *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return mapErr(err, rel)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuation = page.NextContinuationToken
	}

	if !recursive {
		for _, key := range keys {
			if key != prefix {
				return errors.Transport{Err: errors.New("directory not empty: " + rel)}
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return b.deleteKeys(ctx, rel, keys)
}

// deleteKeys issues batched DeleteObjects calls, 1000 keys at a time per
// the API limit.
func (b *Backend) deleteKeys(ctx context.Context, rel string, keys []string) error {
	for len(keys) > 0 {
		batch := keys
		if len(batch) > 1000 {
			batch = keys[:1000]
		}
		keys = keys[len(batch):]

		identifiers := make([]types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			identifiers[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}
		out, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapErr(err, rel)
		}
		if len(out.Errors) > 0 {
			return errors.Transport{
				Err: errors.New("delete failed for " + aws.ToString(out.Errors[0].Key)),
			}
		}
	}
	return nil
}

// Mkdir writes the zero-byte directory marker. Parents need no markers;
// they exist implicitly through the delimiter listing.
func (b *Backend) Mkdir(ctx context.Context, rel string) error {
	rel = vfs.CleanPath(rel)
	if rel == "." {
		return nil
	}
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(rel) + "/"),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return mapErr(err, rel)
}

// Rename is not provided by the S3 API. The capability flag is false, so
// callers copy and delete instead.
func (b *Backend) Rename(ctx context.Context, old, new string) error {
	return errors.Unsupported{Op: "rename"}
}

type spoolWriter struct {
	ctx     context.Context
	backend *Backend
	relPath string
	spool   afero.File
	done    bool
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	return w.spool.Write(p)
}

func (w *spoolWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	size, err := w.spool.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Transport{Err: errors.WithContext(err, "measure spool")}
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Transport{Err: errors.WithContext(err, "rewind spool")}
	}

	_, err = w.backend.client.PutObject(w.ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(w.backend.bucket),
		Key:           aws.String(w.backend.key(w.relPath)),
		Body:          w.spool,
		ContentLength: aws.Int64(size),
	})
	return mapErr(err, w.relPath)
}

func (w *spoolWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *spoolWriter) cleanup() {
	w.spool.Close()
	fs.Remove(w.spool.Name())
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errors.NotFound{Path: path}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return errors.PermissionDenied{Path: path}
		case "NoSuchBucket":
			return errors.NotFound{Path: path}
		}
	}
	if errors.Is(err, context.Canceled) {
		return errors.ErrCancelled
	}
	return errors.Transport{Err: err}
}
