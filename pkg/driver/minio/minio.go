// Package minio provisions storage containers as buckets on MinIO or any
// other S3-compatible service reachable through minio-go.
package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// DefaultPlatform is the platform name the driver registers under.
const DefaultPlatform = "minio"

// Config configures the MinIO driver.
type Config struct {
	Platform        string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	BucketPrefix    string
}

// API is the subset of *minio.Client the driver uses.
type API interface {
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	RemoveBucket(ctx context.Context, bucketName string) error
	EnableVersioning(ctx context.Context, bucketName string) error
	SetBucketTagging(ctx context.Context, bucketName string, t *tags.Tags) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

var _ driver.Provisioner = (*Driver)(nil)

// Driver provisions storage containers as MinIO buckets.
type Driver struct {
	client API
	cfg    Config
}

type bucketOptions struct {
	Versioning bool              `mapstructure:"versioning"`
	Labels     map[string]string `mapstructure:"labels"`
}

// New connects to the configured endpoint. The endpoint carries no scheme.
func New(cfg Config) (*Driver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a driver around an existing client.
func NewWithClient(client API, cfg Config) *Driver {
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	return &Driver{client: client, cfg: cfg}
}

// Register binds the driver to storage containers on its platform.
func (d *Driver) Register(reg *driver.Registry) error {
	return reg.Register(d.cfg.Platform, resources.TypeStorageContainer, d)
}

// Provision creates the bucket, reusing one this token already created.
func (d *Driver) Provision(ctx context.Context, spec driver.ProvisionSpec) (*resources.Handle, error) {
	var opts bucketOptions
	if err := driver.DecodeAttributes(spec.Attributes, &opts); err != nil {
		return nil, err
	}
	bucket := driver.BucketName(d.cfg.BucketPrefix, spec)

	err := d.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: spec.Region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return nil, classify("make bucket", err)
	}

	labels := map[string]string{
		"stratum-resource-id":  spec.ResourceID,
		"stratum-workspace-id": spec.WorkspaceID,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	t, err := tags.NewTags(labels, false)
	if err != nil {
		return nil, engine.NewValidationError("invalid bucket labels", err)
	}
	if err := d.client.SetBucketTagging(ctx, bucket, t); err != nil {
		return nil, classify("tag bucket", err)
	}

	if opts.Versioning {
		if err := d.client.EnableVersioning(ctx, bucket); err != nil {
			return nil, classify("enable versioning", err)
		}
	}

	if spec.Source != nil {
		for obj := range d.client.ListObjects(ctx, spec.Source.ID, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				return nil, classify("list source objects", obj.Err)
			}
			if _, err := d.client.CopyObject(ctx,
				minio.CopyDestOptions{Bucket: bucket, Object: obj.Key},
				minio.CopySrcOptions{Bucket: spec.Source.ID, Object: obj.Key},
			); err != nil {
				return nil, classify("copy object", err)
			}
		}
	}

	return &resources.Handle{
		Platform:   d.cfg.Platform,
		Type:       resources.TypeStorageContainer,
		ID:         bucket,
		Region:     spec.Region,
		Attributes: map[string]string{"bucket": bucket, "endpoint": d.cfg.Endpoint},
	}, nil
}

// Deprovision empties and removes the bucket.
func (d *Driver) Deprovision(ctx context.Context, handle resources.Handle) error {
	for obj := range d.client.ListObjects(ctx, handle.ID, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return classify("list objects", obj.Err)
		}
		if err := d.client.RemoveObject(ctx, handle.ID, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return classify("remove object", err)
		}
	}
	if err := d.client.RemoveBucket(ctx, handle.ID); err != nil {
		return classify("remove bucket", err)
	}
	return nil
}

// Validate checks the bucket labels.
func (d *Driver) Validate(_ context.Context, spec driver.ProvisionSpec) error {
	var opts bucketOptions
	if err := driver.DecodeAttributes(spec.Attributes, &opts); err != nil {
		return err
	}
	if _, err := tags.NewTags(opts.Labels, false); err != nil {
		return engine.NewValidationError("invalid bucket labels", err)
	}
	return nil
}

// classify maps minio error responses onto the engine error classes.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return engine.NewNotFoundError(fmt.Sprintf("%s: bucket not found", op)).WithOperation(op)
	case "BucketAlreadyExists":
		return engine.NewPermanentError(op+": bucket name is taken", err).
			WithCode(engine.ErrCodeAlreadyExists).WithOperation(op)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return engine.NewPermanentError(op+": access denied", err).
			WithCode(engine.ErrCodePermissionDenied).WithOperation(op)
	case "SlowDown", "SlowDownWrite", "SlowDownRead", "TooManyRequests":
		return engine.NewThrottledError(op+" throttled", err).WithOperation(op)
	case "OperationAborted":
		return engine.NewConflictError(op+": conflicting operation in progress", err).WithOperation(op)
	}

	switch {
	case resp.StatusCode == 0, resp.StatusCode >= http.StatusInternalServerError:
		return engine.NewTransientError(op+" failed", err).WithOperation(op)
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.NewThrottledError(op+" throttled", err).WithOperation(op)
	}
	return engine.NewPermanentError(op+" failed", err).
		WithCode(engine.ErrCodeProviderFailed).WithOperation(op)
}
