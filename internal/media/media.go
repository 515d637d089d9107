// Package media stores child profile images. Object storage is the primary
// home; when an upload cannot complete in time the image is inlined as a
// base64 data URL so the profile update still lands.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"barnehage/presence/internal/fallback"
)

// ErrPayloadTooLarge means the upload failed and the image is too large to
// inline. Nothing has been written to the child record.
var ErrPayloadTooLarge = errors.New("image exceeds inline ceiling and upload failed")

// S3Client is the slice of the S3 API the service uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is the slice of the document store the service writes through.
type Store interface {
	UpdateChildImageRef(ctx context.Context, childID, imageRef string) error
}

type Service struct {
	client   S3Client
	store    Store
	resolver *fallback.Resolver

	bucket        string
	baseURL       string
	uploadTimeout time.Duration
	inlineCeiling int
}

func NewService(client S3Client, store Store, resolver *fallback.Resolver, bucket, baseURL string, uploadTimeout time.Duration, inlineCeiling int) *Service {
	if uploadTimeout <= 0 {
		uploadTimeout = 10 * time.Second
	}
	if inlineCeiling <= 0 {
		inlineCeiling = 900000
	}
	return &Service{
		client:        client,
		store:         store,
		resolver:      resolver,
		bucket:        bucket,
		baseURL:       baseURL,
		uploadTimeout: uploadTimeout,
		inlineCeiling: inlineCeiling,
	}
}

// PersistImage stores the image and records its reference on the child. The
// child record is written exactly once, after the reference is known; a
// failed persist leaves the previous image untouched.
func (s *Service) PersistImage(ctx context.Context, childID, contentType string, data []byte) (string, error) {
	ref, err := s.upload(ctx, childID, contentType, data)
	if err != nil {
		log.Printf("image upload for child %s failed, inlining: %v", childID, err)
		ref, err = s.inline(contentType, data)
		if err != nil {
			return "", err
		}
	}

	err = s.resolver.Do(ctx, fallback.Site{Name: "media.record_ref", Policy: fallback.Critical}, func(ctx context.Context) error {
		return s.store.UpdateChildImageRef(ctx, childID, ref)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Service) upload(ctx context.Context, childID, contentType string, data []byte) (string, error) {
	if s.client == nil || s.bucket == "" {
		return "", errors.New("object storage not configured")
	}

	key := path.Join("children", childID, uuid.NewString()+extFor(contentType))
	uploadCtx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *Service) inline(contentType string, data []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	ref := "data:" + contentType + ";base64," + encoded
	if len(ref) > s.inlineCeiling {
		return "", ErrPayloadTooLarge
	}
	return ref, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
