package dataconnector

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
)

const defaultS3Region = "us-east-1"

// S3API is the subset of the S3 client the connector uses
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ClientConfig holds what is needed to build an S3 client
type S3ClientConfig struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// S3ConfigFrom reads the client config from dataset params and the s3 secret
// (keys "key" and "secret"). Without a secret the default credential chain is used.
func S3ConfigFrom(secret secrets.Secret, params map[string]string) S3ClientConfig {
	cfg := S3ClientConfig{
		Region:    params["region"],
		Endpoint:  params["endpoint"],
		AccessKey: secret.Get("key"),
		SecretKey: secret.Get("secret"),
	}
	if cfg.Region == "" {
		cfg.Region = defaultS3Region
	}
	// custom endpoints are S3-compatible stores that expect path-style addressing
	cfg.UsePathStyle = cfg.Endpoint != ""
	return cfg
}

// NewS3Client builds an S3 client from cfg
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewS3 creates the s3 connector
func NewS3(ctx context.Context, secret secrets.Secret, params map[string]string) (Connector, error) {
	client, err := NewS3Client(ctx, S3ConfigFrom(secret, params))
	if err != nil {
		return nil, errors.WrapTransient(err, "S3Connector", "New", "load AWS config")
	}
	return newObjectConnector(&s3Store{client: client}, params), nil
}

type s3Store struct {
	client S3API
}

func (s *s3Store) List(ctx context.Context, location string) ([]string, error) {
	bucket, prefix, err := splitBucket(location)
	if err != nil {
		return nil, errors.WrapInvalid(err, "S3Connector", "List", "parse location")
	}

	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classifyS3Error(err, "list objects")
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			keys = append(keys, *obj.Key)
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *s3Store) Open(ctx context.Context, location, key string) (io.ReadCloser, error) {
	bucket, _, err := splitBucket(location)
	if err != nil {
		return nil, errors.WrapInvalid(err, "S3Connector", "Open", "parse location")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, fmt.Sprintf("get object %s", key))
	}
	return out.Body, nil
}

func (s *s3Store) Close() error {
	return nil
}

// classifyS3Error marks missing buckets and denied access as invalid
// configuration; everything else is worth retrying
func classifyS3Error(err error, action string) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.WrapInvalid(err, "S3Connector", "Read", action)
		}
	}
	return errors.WrapTransient(err, "S3Connector", "Read", action)
}
