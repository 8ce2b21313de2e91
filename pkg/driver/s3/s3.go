// Package s3 provisions storage containers as Amazon S3 buckets.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// DefaultPlatform is the platform name the driver registers under.
const DefaultPlatform = "aws"

// Tag keys written on every bucket.
const (
	TagResourceID  = "stratum:resource-id"
	TagWorkspaceID = "stratum:workspace-id"
)

// Config configures the S3 driver.
type Config struct {
	Platform string

	// Region is the client's home region. Buckets are created in the
	// region of the provision request.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	BucketPrefix    string
}

// API is the subset of the S3 client the driver uses.
type API interface {
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ driver.Provisioner = (*Driver)(nil)

// Driver provisions storage containers as S3 buckets.
type Driver struct {
	client API
	cfg    Config
}

// bucketOptions are the storage-container attributes the driver honours.
type bucketOptions struct {
	Versioning   bool              `mapstructure:"versioning"`
	StorageClass string            `mapstructure:"storage_class"`
	Labels       map[string]string `mapstructure:"labels"`
}

// New creates a driver using the AWS default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a driver around an existing client.
func NewWithClient(client API, cfg Config) *Driver {
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	return &Driver{client: client, cfg: cfg}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// Register binds the driver to storage containers on its platform.
func (d *Driver) Register(reg *driver.Registry) error {
	return reg.Register(d.cfg.Platform, resources.TypeStorageContainer, d)
}

func inRegion(region string) func(*s3.Options) {
	return func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

// Provision creates the bucket. The bucket name derives from the
// idempotency token, so a retry that finds its own bucket succeeds.
func (d *Driver) Provision(ctx context.Context, spec driver.ProvisionSpec) (*resources.Handle, error) {
	var opts bucketOptions
	if err := driver.DecodeAttributes(spec.Attributes, &opts); err != nil {
		return nil, err
	}
	bucket := driver.BucketName(d.cfg.BucketPrefix, spec)

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if spec.Region != "" && spec.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(spec.Region),
		}
	}
	if _, err := d.client.CreateBucket(ctx, in, inRegion(spec.Region)); err != nil && !ownedByYou(err) {
		return nil, classify("create bucket", err)
	}

	tags := []types.Tag{
		{Key: aws.String(TagResourceID), Value: aws.String(spec.ResourceID)},
		{Key: aws.String(TagWorkspaceID), Value: aws.String(spec.WorkspaceID)},
	}
	keys := make([]string, 0, len(opts.Labels))
	for k := range opts.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(opts.Labels[k])})
	}
	if _, err := d.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &types.Tagging{TagSet: tags},
	}, inRegion(spec.Region)); err != nil {
		return nil, classify("tag bucket", err)
	}

	if opts.Versioning {
		if _, err := d.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  aws.String(bucket),
			VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
		}, inRegion(spec.Region)); err != nil {
			return nil, classify("enable versioning", err)
		}
	}

	if spec.Source != nil {
		if err := d.copyObjects(ctx, spec.Source.ID, bucket, spec.Region, opts.StorageClass); err != nil {
			return nil, err
		}
	}

	return &resources.Handle{
		Platform: d.cfg.Platform,
		Type:     resources.TypeStorageContainer,
		ID:       bucket,
		Region:   spec.Region,
		Attributes: map[string]string{
			"bucket": bucket,
			"arn":    "arn:aws:s3:::" + bucket,
		},
	}, nil
}

func (d *Driver) copyObjects(ctx context.Context, src, dst, region, storageClass string) error {
	pages := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{Bucket: aws.String(src)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return classify("list source objects", err)
		}
		for _, obj := range page.Contents {
			in := &s3.CopyObjectInput{
				Bucket:     aws.String(dst),
				Key:        obj.Key,
				CopySource: aws.String(src + "/" + url.PathEscape(aws.ToString(obj.Key))),
			}
			if storageClass != "" {
				in.StorageClass = types.StorageClass(storageClass)
			}
			if _, err := d.client.CopyObject(ctx, in, inRegion(region)); err != nil {
				return classify("copy object", err)
			}
		}
	}
	return nil
}

// Deprovision empties and deletes the bucket.
func (d *Driver) Deprovision(ctx context.Context, handle resources.Handle) error {
	bucket := handle.ID
	pages := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx, inRegion(handle.Region))
		if err != nil {
			return classify("list objects", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}, inRegion(handle.Region)); err != nil {
			return classify("delete objects", err)
		}
	}

	if _, err := d.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)},
		inRegion(handle.Region)); err != nil {
		return classify("delete bucket", err)
	}
	return nil
}

// Validate checks the bucket attributes.
func (d *Driver) Validate(_ context.Context, spec driver.ProvisionSpec) error {
	var opts bucketOptions
	if err := driver.DecodeAttributes(spec.Attributes, &opts); err != nil {
		return err
	}
	if opts.StorageClass != "" {
		valid := false
		for _, sc := range types.StorageClass("").Values() {
			if string(sc) == opts.StorageClass {
				valid = true
				break
			}
		}
		if !valid {
			return engine.NewValidationError(fmt.Sprintf("unsupported storage class %q", opts.StorageClass), nil)
		}
	}
	if len(opts.Labels) > 48 {
		return engine.NewValidationError("at most 48 labels are allowed on a bucket", nil)
	}
	return nil
}

func ownedByYou(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "BucketAlreadyOwnedByYou"
}

// classify maps S3 errors onto the engine error classes.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return engine.NewNotFoundError(fmt.Sprintf("%s: bucket not found", op)).WithOperation(op)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// No service response, e.g. a connection failure.
		return engine.NewTransientError(op+" failed", err).WithOperation(op)
	}

	switch apiErr.ErrorCode() {
	case "NoSuchBucket", "NotFound":
		return engine.NewNotFoundError(fmt.Sprintf("%s: bucket not found", op)).WithOperation(op)
	case "BucketAlreadyExists":
		return engine.NewPermanentError(op+": bucket name is taken", err).
			WithCode(engine.ErrCodeAlreadyExists).WithOperation(op)
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return engine.NewPermanentError(op+": access denied", err).
			WithCode(engine.ErrCodePermissionDenied).WithOperation(op)
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
		return engine.NewThrottledError(op+" throttled", err).WithOperation(op)
	case "OperationAborted":
		return engine.NewConflictError(op+": conflicting operation in progress", err).WithOperation(op)
	case "ServiceUnavailable", "InternalError", "RequestTimeout":
		return engine.NewTransientError(op+" failed", err).WithOperation(op)
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return engine.NewTransientError(op+" failed", err).WithOperation(op)
	}
	return engine.NewPermanentError(op+" failed", err).
		WithCode(engine.ErrCodeProviderFailed).WithOperation(op)
}
