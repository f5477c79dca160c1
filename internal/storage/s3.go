package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"crater-portal/internal/domain"
)

// S3Service stores uploads in Amazon S3 (or compatible APIs) under a key prefix.
type S3Service struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

func NewS3Service(client *s3.Client, bucket, keyPrefix string) (*S3Service, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	return &S3Service{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
	}, nil
}

func (s *S3Service) key(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid file name %q: %w", name, domain.ErrNotFound)
	}
	if s.keyPrefix == "" {
		return name, nil
	}
	return s.keyPrefix + "/" + name, nil
}

func (s *S3Service) Put(ctx context.Context, name string, r io.Reader, contentType string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = contentTypeFor(name)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Service) Open(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, err)
	}

	info := ObjectInfo{
		Key:          name,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: out.LastModified,
	}
	if info.ContentType == "" {
		info.ContentType = contentTypeFor(name)
	}
	return out.Body, info, nil
}

func (s *S3Service) Copy(ctx context.Context, src, dst string) error {
	srcKey, err := s.key(src)
	if err != nil {
		return err
	}
	dstKey, err := s.key(dst)
	if err != nil {
		return err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
		ACL:        types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (s *S3Service) Delete(ctx context.Context, name string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var _ Service = (*S3Service)(nil)
