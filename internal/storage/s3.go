package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"transfer-hub/internal/domain"
)

// DefaultProgressInterval bounds how often a transfer reports progress.
const DefaultProgressInterval = 50 * time.Millisecond

var errBucketRequired = errors.New("storage bucket is required")

// S3Service transfers single objects to and from Amazon S3 (or compatible APIs).
type S3Service struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	interval   time.Duration
}

func NewS3Service(client *s3.Client, progressInterval time.Duration) *S3Service {
	if progressInterval <= 0 {
		progressInterval = DefaultProgressInterval
	}
	return &S3Service{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		interval:   progressInterval,
	}
}

// clientOptions applies per-request credentials on top of the client defaults.
func clientOptions(creds *domain.Credentials) []func(*s3.Options) {
	if creds == nil {
		return nil
	}
	provider := credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	return []func(*s3.Options){func(o *s3.Options) {
		o.Credentials = provider
	}}
}

func (s *S3Service) Download(ctx context.Context, bucket, key, localPath string, opts TransferOptions) (int64, error) {
	if bucket == "" {
		return 0, errBucketRequired
	}
	info, err := s.Stat(ctx, bucket, key, opts)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}

	var w io.WriterAt = f
	progress := newProgressReporter(info.Size, s.interval, opts.ProgressCallback)
	if progress != nil {
		progress.report(0)
		w = &progressWriterAt{w: f, reporter: progress}
	}

	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(d *manager.Downloader) {
		d.ClientOptions = append(d.ClientOptions, clientOptions(opts.Credentials)...)
	})
	closeErr := f.Close()
	if err != nil {
		return n, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close file %s: %w", localPath, closeErr)
	}
	if progress != nil {
		progress.flush()
	}
	return n, nil
}

func (s *S3Service) Upload(ctx context.Context, localPath, bucket, key string, opts TransferOptions) (int64, error) {
	if bucket == "" {
		return 0, errBucketRequired
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("stat local path: %w", err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("local path must be a file")
	}
	if key == "" {
		key = filepath.ToSlash(filepath.Base(localPath))
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open file %s: %w", localPath, err)
	}
	defer f.Close()

	var reader io.Reader = f
	progress := newProgressReporter(fi.Size(), s.interval, opts.ProgressCallback)
	if progress != nil {
		progress.report(0)
		reader = io.TeeReader(f, progress)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPrivate,
	}, func(u *manager.Uploader) {
		u.ClientOptions = append(u.ClientOptions, clientOptions(opts.Credentials)...)
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", localPath, err)
	}
	if progress != nil {
		progress.flush()
	}
	return fi.Size(), nil
}

func (s *S3Service) Stat(ctx context.Context, bucket, key string, opts TransferOptions) (ObjectInfo, error) {
	if bucket == "" {
		return ObjectInfo{}, errBucketRequired
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, clientOptions(opts.Credentials)...)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: out.LastModified,
	}, nil
}

func (s *S3Service) Delete(ctx context.Context, bucket, key string, opts TransferOptions) error {
	if bucket == "" {
		return errBucketRequired
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, clientOptions(opts.Credentials)...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if strings.TrimSpace(prefix) != "" {
		input.Prefix = aws.String(prefix)
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

var _ Service = (*S3Service)(nil)
