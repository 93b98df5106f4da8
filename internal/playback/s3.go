package playback

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// S3Client is the subset of the S3 API the archive uses. *s3.Client
// satisfies it.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads each finalized buffer as a WAV object.
type S3Archive struct {
	client S3Client
	bucket string
	prefix string

	mu   sync.Mutex
	keys map[string]string
}

func NewS3Archive(client S3Client, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, keys: make(map[string]string)}
}

// NewS3Client builds a client from static configuration. Endpoint and path
// style support S3-compatible stores such as MinIO.
func NewS3Client(cfg config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.AccessKey != "" {
		creds := aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey, Source: "loqa-avatar-config"}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (a *S3Archive) key(id string) string {
	name := unsafeName.ReplaceAllString(id, "_") + ".wav"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

func (a *S3Archive) Play(ctx context.Context, b Buffer) error {
	// The WAV encoder needs to seek back to patch the header, so the object is
	// staged in a temp file.
	tmp, err := os.CreateTemp("", "loqa-avatar-*.wav")
	if err != nil {
		return fmt.Errorf("stage wav: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := WriteWAV(tmp, b); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	key := a.key(b.ID)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        tmp,
		ContentType: aws.String("audio/wav"),
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.mu.Lock()
	a.keys[b.ID] = "s3://" + a.bucket + "/" + key
	a.mu.Unlock()
	return nil
}

func (a *S3Archive) Stop() {}

func (a *S3Archive) Location(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keys[id]
}
