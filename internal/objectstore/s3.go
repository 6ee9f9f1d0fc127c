package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	appconfig "hopper/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a requested object does not exist. Workers
// treat it as "already handled by another worker", never as a failure.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the staging object store: content addressed by key inside one
// bucket, with presigned uploads for the front door.
type Store struct {
	s3       *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	region   string
}

func New(cfg appconfig.S3Config) (*Store, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg)

	return &Store{
		s3:       client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		region:   cfg.Region,
	}, nil
}

// Bucket returns the staging bucket name
func (s *Store) Bucket() string {
	return s.bucket
}

// Get downloads an object into memory
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to get object")
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// Put uploads an object
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to put object")
		return err
	}

	log.Debug().Str("key", key).Int("size", len(body)).Msg("Stored object")
	return nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to delete object")
		return err
	}

	log.Debug().Str("key", key).Msg("Deleted object")
	return nil
}

// DeleteByPrefix removes every object under the prefix and returns how many
// were deleted.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := s.ListByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}

// ListByPrefix returns all objects under the prefix
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("Failed to list objects")
			return nil, err
		}

		for _, obj := range page.Contents {
			results = append(results, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return results, nil
}

// Exists reports whether an object is present at the key
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to head object")
		return false, err
	}

	return true, nil
}

// PresignPut issues a time-limited URL the client can PUT the upload to
func (s *Store) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to presign upload")
		return "", err
	}

	return req.URL, nil
}

// Health verifies the bucket is reachable
func (s *Store) Health(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}

	return false
}
