package dataconnector

import (
	"context"
	stderrors "errors"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
)

// MinioConfigFrom reads the endpoint and TLS setting from params
// ("endpoint", "secure") and the access keys from the minio secret.
func MinioConfigFrom(secret secrets.Secret, params map[string]string) (endpoint string, opts *minio.Options, err error) {
	endpoint = strings.TrimSpace(params["endpoint"])
	if endpoint == "" {
		return "", nil, errors.WrapInvalid(stderrors.New("endpoint param is required"),
			"MinioConnector", "New", "validate params")
	}

	secure := true
	if v, ok := params["secure"]; ok {
		secure, err = strconv.ParseBool(v)
		if err != nil {
			return "", nil, errors.WrapInvalid(err, "MinioConnector", "New", "parse secure param")
		}
	}

	return endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(secret.Get("key"), secret.Get("secret"), ""),
		Secure: secure,
		Region: params["region"],
	}, nil
}

// NewMinio creates the minio connector
func NewMinio(_ context.Context, secret secrets.Secret, params map[string]string) (Connector, error) {
	endpoint, opts, err := MinioConfigFrom(secret, params)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, errors.WrapTransient(err, "MinioConnector", "New", "create client")
	}
	return newObjectConnector(&minioStore{client: client}, params), nil
}

type minioStore struct {
	client *minio.Client
}

func (s *minioStore) List(ctx context.Context, location string) ([]string, error) {
	bucket, prefix, err := splitBucket(location)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MinioConnector", "List", "parse location")
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyMinioError(obj.Err, "list objects")
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *minioStore) Open(ctx context.Context, location, key string) (io.ReadCloser, error) {
	bucket, _, err := splitBucket(location)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MinioConnector", "Open", "parse location")
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err, "get object "+key)
	}
	return obj, nil
}

func (s *minioStore) Close() error {
	return nil
}

func classifyMinioError(err error, action string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId":
		return errors.WrapInvalid(err, "MinioConnector", "Read", action)
	}
	return errors.WrapTransient(err, "MinioConnector", "Read", action)
}
