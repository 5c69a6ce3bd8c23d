package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/anthropics/exec-engine/contracts"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner is the subset of the S3 presign client the store uses.
type Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store implements contracts.ArtifactStore on two S3 buckets: internal
// (bundles + callbacks, short-lived) and done (permanent markers).
type Store struct {
	client         S3API
	presigner      Presigner
	internalBucket string
	doneBucket     string
}

// NewStore creates a Store for the given buckets.
func NewStore(client S3API, presigner Presigner, internalBucket, doneBucket string) *Store {
	return &Store{
		client:         client,
		presigner:      presigner,
		internalBucket: internalBucket,
		doneBucket:     doneBucket,
	}
}

// PutBundle uploads an execution bundle and returns its URI.
func (s *Store) PutBundle(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, body io.Reader) (string, error) {
	key := BundleKey(runID, num)
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading bundle %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.internalBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading bundle %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.internalBucket, key), nil
}

// GetBundle streams a previously uploaded bundle.
func (s *Store) GetBundle(ctx context.Context, runID contracts.RunID, num contracts.OrderNum) (io.ReadCloser, error) {
	key := BundleKey(runID, num)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.internalBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading bundle %s: %w", key, err)
	}
	return out.Body, nil
}

// PutCallback writes a callback result. The bucket's notification
// configuration turns this write into the orchestrator's trigger.
func (s *Store) PutCallback(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, result *contracts.CallbackResult) error {
	if result == nil {
		return contracts.ErrInvalidInput
	}
	key := CallbackKey(runID, num)
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling callback %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.internalBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing callback %s: %w", key, err)
	}
	return nil
}

// GetCallback reads a callback result, or contracts.ErrResultNotReady when
// the object does not exist yet. Logs are truncated to MaxCallbackLogBytes.
func (s *Store) GetCallback(ctx context.Context, runID contracts.RunID, num contracts.OrderNum) (*contracts.CallbackResult, error) {
	key := CallbackKey(runID, num)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.internalBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, contracts.ErrResultNotReady
		}
		return nil, fmt.Errorf("reading callback %s: %w", key, err)
	}
	defer out.Body.Close()

	var result contracts.CallbackResult
	if err := json.NewDecoder(out.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding callback %s: %w", key, err)
	}
	result.Log = TruncateLog(result.Log)
	return &result, nil
}

// PresignCallback returns a time-limited URL allowing a credential-less PUT
// of the order's callback result.
func (s *Store) PresignCallback(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, expiry time.Duration) (string, error) {
	key := CallbackKey(runID, num)
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.internalBucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/json"),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presigning callback %s: %w", key, err)
	}
	return req.URL, nil
}

// PutDoneMarker writes the run's finalisation marker. The write is
// idempotent: a duplicate identical write simply overwrites.
func (s *Store) PutDoneMarker(ctx context.Context, runID contracts.RunID, marker *contracts.DoneMarker) error {
	if marker == nil {
		return contracts.ErrInvalidInput
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshaling done marker for run %s: %w", runID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.doneBucket),
		Key:         aws.String(DoneKey(runID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing done marker for run %s: %w", runID, err)
	}
	return nil
}

// DoneURI returns the location of the run's done marker.
func (s *Store) DoneURI(runID contracts.RunID) string {
	return fmt.Sprintf("s3://%s/%s", s.doneBucket, DoneKey(runID))
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
