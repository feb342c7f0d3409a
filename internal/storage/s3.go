package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

// S3Config は S3Sink の設定です。
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // S3互換ストレージ（MinIO 等）のエンドポイント
	AccessKeyID     string
	SecretAccessKey string
}

// s3API は S3Sink が使用する S3 クライアントの操作です。
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Sink は結果を S3 互換ストレージに保存します。
type S3Sink struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Sink は AWS SDK の既定の認証情報チェーンで S3Sink を作成します。
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Sink(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Sink(client s3API, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Save は doc を <prefix>/YYYY/MM/<id>.json に保存し、オブジェクトキーを参照として返します。
func (s *S3Sink) Save(ctx context.Context, doc *Transcript) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("transcript is nil")
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	key := path.Join(s.prefix, objectKey(doc))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fault.Transient("RESULT_UPLOAD_FAILED", "failed to upload transcript", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Load は参照先の結果を取得します。
func (s *S3Sink) Load(ctx context.Context, ref string) (*Transcript, error) {
	key, err := s.keyOf(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	defer out.Body.Close()
	var doc Transcript
	if err := json.NewDecoder(out.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return &doc, nil
}

// Delete は参照先の結果を削除します。
func (s *S3Sink) Delete(ctx context.Context, ref string) error {
	key, err := s.keyOf(ref)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3Sink) keyOf(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("invalid transcript ref: %q", ref)
	}
	return rest, nil
}
