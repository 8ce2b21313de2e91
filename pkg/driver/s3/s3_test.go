package s3

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// fakeS3 keeps buckets and object keys in memory.
type fakeS3 struct {
	mu         sync.Mutex
	buckets    map[string][]string
	tags       map[string][]types.Tag
	versioned  map[string]bool
	regions    map[string]string
	createErr  error
	copies     []string
	deleteErrs map[string]error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:    make(map[string][]string),
		tags:       make(map[string][]types.Tag),
		versioned:  make(map[string]bool),
		regions:    make(map[string]string),
		deleteErrs: make(map[string]error),
	}
}

func optionsRegion(optFns []func(*s3.Options)) string {
	var o s3.Options
	for _, fn := range optFns {
		fn(&o)
	}
	return o.Region
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{Message: aws.String("already yours")}
	}
	f.buckets[name] = nil
	f.regions[name] = optionsRegion(optFns)
	if in.CreateBucketConfiguration != nil {
		f.regions[name] = string(in.CreateBucketConfiguration.LocationConstraint)
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Bucket)
	objects, ok := f.buckets[name]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "no such bucket"}
	}
	if len(objects) > 0 {
		return nil, &smithy.GenericAPIError{Code: "BucketNotEmpty", Message: "not empty"}
	}
	delete(f.buckets, name)
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[aws.ToString(in.Bucket)] = in.Tagging.TagSet
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, in *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versioned[aws.ToString(in.Bucket)] = in.VersioningConfiguration.Status == types.BucketVersioningStatusEnabled
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String("no such bucket")}
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dst := aws.ToString(in.Bucket)
	f.buckets[dst] = append(f.buckets[dst], aws.ToString(in.Key))
	f.copies = append(f.copies, aws.ToString(in.CopySource))
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Bucket)
	if err := f.deleteErrs[name]; err != nil {
		return nil, err
	}
	remove := make(map[string]bool)
	for _, id := range in.Delete.Objects {
		remove[aws.ToString(id.Key)] = true
	}
	var kept []string
	for _, k := range f.buckets[name] {
		if !remove[k] {
			kept = append(kept, k)
		}
	}
	f.buckets[name] = kept
	return &s3.DeleteObjectsOutput{}, nil
}

func bucketSpec(token string) driver.ProvisionSpec {
	return driver.ProvisionSpec{
		Platform:         "aws",
		Type:             resources.TypeStorageContainer,
		WorkspaceID:      "w1",
		ResourceID:       "r1",
		Name:             "genomes",
		Region:           "eu-west-1",
		IdempotencyToken: token,
		Attributes: map[string]interface{}{
			"versioning": true,
			"labels":     map[string]interface{}{"team": "genomics", "cost-center": "42"},
		},
	}
}

func TestDriver_Provision(t *testing.T) {
	api := newFakeS3()
	d := NewWithClient(api, Config{BucketPrefix: "st-"})
	ctx := context.Background()

	h, err := d.Provision(ctx, bucketSpec("wf1:r1"))
	require.NoError(t, err)

	assert.Equal(t, "aws", h.Platform)
	assert.Equal(t, resources.TypeStorageContainer, h.Type)
	assert.Equal(t, driver.BucketName("st-", bucketSpec("wf1:r1")), h.ID)
	assert.Equal(t, "arn:aws:s3:::"+h.ID, h.Attributes["arn"])
	assert.Equal(t, "eu-west-1", api.regions[h.ID])
	assert.True(t, api.versioned[h.ID])

	tags := api.tags[h.ID]
	require.Len(t, tags, 4)
	assert.Equal(t, TagResourceID, aws.ToString(tags[0].Key))
	assert.Equal(t, "cost-center", aws.ToString(tags[2].Key), "labels are sorted")

	// A retry with the same token lands on the same bucket.
	again, err := d.Provision(ctx, bucketSpec("wf1:r1"))
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)
	assert.Len(t, api.buckets, 1)
}

func TestDriver_ProvisionCopiesSource(t *testing.T) {
	api := newFakeS3()
	api.buckets["source"] = []string{"a.txt", "dir/b.txt"}
	d := NewWithClient(api, Config{})

	spec := bucketSpec("wf2:r2")
	spec.Source = &resources.Handle{ID: "source"}
	h, err := d.Provision(context.Background(), spec)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "dir/b.txt"}, api.buckets[h.ID])
	assert.Equal(t, []string{"source/a.txt", "source/dir%2Fb.txt"}, api.copies)
}

func TestDriver_ProvisionNameTaken(t *testing.T) {
	api := newFakeS3()
	api.createErr = &smithy.GenericAPIError{Code: "BucketAlreadyExists", Message: "taken"}
	d := NewWithClient(api, Config{})

	_, err := d.Provision(context.Background(), bucketSpec("t"))
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeAlreadyExists))
	assert.True(t, engine.IsPermanent(err))
}

func TestDriver_Deprovision(t *testing.T) {
	api := newFakeS3()
	api.buckets["full"] = []string{"a", "b"}
	d := NewWithClient(api, Config{})
	ctx := context.Background()

	require.NoError(t, d.Deprovision(ctx, resources.Handle{ID: "full"}))
	_, ok := api.buckets["full"]
	assert.False(t, ok)

	err := d.Deprovision(ctx, resources.Handle{ID: "full"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestDriver_Validate(t *testing.T) {
	d := NewWithClient(newFakeS3(), Config{})
	ctx := context.Background()

	assert.NoError(t, d.Validate(ctx, bucketSpec("t")))

	spec := bucketSpec("t")
	spec.Attributes = map[string]interface{}{"storage_class": "ARCHIVE_FOREVER"}
	err := d.Validate(ctx, spec)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	spec.Attributes = map[string]interface{}{"storage_class": "GLACIER"}
	assert.NoError(t, d.Validate(ctx, spec))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
		code  string
	}{
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, engine.ErrorClassThrottled, ""},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"not found", &smithy.GenericAPIError{Code: "NoSuchBucket"}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"typed not found", &types.NoSuchBucket{}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"conflict", &smithy.GenericAPIError{Code: "OperationAborted"}, engine.ErrorClassConflict, ""},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, engine.ErrorClassTransient, ""},
		{"client fault", &smithy.GenericAPIError{Code: "InvalidBucketName", Fault: smithy.FaultClient}, engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"network", errors.New("dial tcp: connection refused"), engine.ErrorClassTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee, ok := engine.AsEngineError(classify("op", tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.class, ee.Class)
			if tt.code != "" {
				assert.Equal(t, tt.code, ee.Code)
			}
		})
	}

	assert.Equal(t, context.Canceled, classify("op", context.Canceled))
}
