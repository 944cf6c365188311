package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps project content as objects under "<project>/" prefixes
// in a single bucket. It has no revision tracking.
type S3Store struct {
	client *minio.Client
	bucket string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewS3Store connects to the S3 endpoint and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(timeoutCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(timeoutCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) objectKey(project, name string) string {
	return path.Join(project, name)
}

func (s *S3Store) EnsureProject(ctx context.Context, project, author string) error {
	key := s.objectKey(project, PageFile)
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("stat page object: %w", err)
	}
	return s.put(ctx, key, []byte(DefaultPage), "text/html")
}

func (s *S3Store) LoadPage(ctx context.Context, project string) (string, error) {
	data, err := s.get(ctx, s.objectKey(project, PageFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *S3Store) SavePage(ctx context.Context, project, html, author string) error {
	return s.put(ctx, s.objectKey(project, PageFile), []byte(html), "text/html")
}

func (s *S3Store) ListFiles(ctx context.Context, project string) ([]FileInfo, error) {
	prefix := project + "/"
	files := make([]FileInfo, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == PageFile {
			continue
		}
		files = append(files, FileInfo{Name: name, Size: obj.Size})
	}
	return files, nil
}

func (s *S3Store) SaveFile(ctx context.Context, project, name string, data []byte, author string) error {
	return s.put(ctx, s.objectKey(project, name), data, "application/octet-stream")
}

func (s *S3Store) ReadFile(ctx context.Context, project, name string) ([]byte, error) {
	return s.get(ctx, s.objectKey(project, name))
}

func (s *S3Store) DeleteFile(ctx context.Context, project, name, author string) error {
	key := s.objectKey(project, name)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("stat object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// RenameProject copies every object to the new prefix, then deletes the
// old ones. Not atomic; acceptable because renames run while the caller
// holds the project's edit lock.
func (s *S3Store) RenameProject(ctx context.Context, oldKey, newKey string) error {
	oldPrefix := oldKey + "/"
	copied := make([]string, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    oldPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, oldPrefix)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: s.objectKey(newKey, name)},
			minio.CopySrcOptions{Bucket: s.bucket, Object: obj.Key},
		)
		if err != nil {
			return fmt.Errorf("copy object %s: %w", obj.Key, err)
		}
		copied = append(copied, obj.Key)
	}
	if len(copied) == 0 {
		return ErrNotFound
	}
	for _, key := range copied {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %s: %w", key, err)
		}
	}
	return nil
}

func (s *S3Store) RemoveProject(ctx context.Context, project string) error {
	prefix := project + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *S3Store) History(ctx context.Context, project string, limit int) ([]Revision, error) {
	return nil, ErrHistoryUnsupported
}

func (s *S3Store) PageAt(ctx context.Context, project, hash string) (string, error) {
	return "", ErrHistoryUnsupported
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}
