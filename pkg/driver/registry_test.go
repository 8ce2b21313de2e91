package driver_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/driver/mocks"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

func newRegistry(t *testing.T, opts driver.RegistryOptions) (*driver.Registry, *mocks.MockProvisioner) {
	t.Helper()
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvisioner(ctrl)

	opts.Logger = zerolog.Nop()
	reg := driver.NewRegistry(opts)
	require.NoError(t, reg.Register("aws", resources.TypeStorageContainer, p))
	return reg, p
}

func TestRegistry_Register(t *testing.T) {
	reg, p := newRegistry(t, driver.RegistryOptions{})

	err := reg.Register("aws", resources.TypeStorageContainer, p)
	assert.Error(t, err, "duplicate registration")
	assert.Error(t, reg.Register("", resources.TypeDisk, p))
	assert.Error(t, reg.Register("aws", resources.TypeDisk, nil))

	require.NoError(t, reg.Register("local", resources.TypeDisk, p))
	assert.Equal(t, []string{"aws", "local"}, reg.Platforms())
}

func TestRegistry_LookupUnsupported(t *testing.T) {
	reg, _ := newRegistry(t, driver.RegistryOptions{})

	_, err := reg.Lookup("aws", resources.TypeDatabase)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.True(t, engine.IsPermanent(err))

	_, err = reg.Provision(context.Background(), driver.ProvisionSpec{Platform: "gcp", Type: resources.TypeStorageContainer})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestRegistry_Dispatch(t *testing.T) {
	reg, p := newRegistry(t, driver.RegistryOptions{})
	ctx := context.Background()

	spec := driver.ProvisionSpec{
		Platform:         "aws",
		Type:             resources.TypeStorageContainer,
		ResourceID:       "r1",
		Name:             "genomes",
		IdempotencyToken: "wf1:r1",
	}
	handle := &resources.Handle{Platform: "aws", Type: resources.TypeStorageContainer, ID: "genomes-abc"}

	gomock.InOrder(
		p.EXPECT().Validate(gomock.Any(), spec).Return(nil),
		p.EXPECT().Provision(gomock.Any(), spec).Return(handle, nil),
		p.EXPECT().Deprovision(gomock.Any(), *handle).Return(nil),
	)

	require.NoError(t, reg.Validate(ctx, spec))
	got, err := reg.Provision(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, handle, got)
	require.NoError(t, reg.Deprovision(ctx, *got))
}

func TestRegistry_ProvisionErrors(t *testing.T) {
	reg, p := newRegistry(t, driver.RegistryOptions{})
	ctx := context.Background()
	spec := driver.ProvisionSpec{Platform: "aws", Type: resources.TypeStorageContainer, ResourceID: "r1"}

	t.Run("empty handle", func(t *testing.T) {
		p.EXPECT().Provision(gomock.Any(), spec).Return(&resources.Handle{}, nil)

		_, err := reg.Provision(ctx, spec)
		require.Error(t, err)
		assert.True(t, engine.HasCode(err, engine.ErrCodeProviderFailed))
	})

	t.Run("driver error passes through", func(t *testing.T) {
		boom := engine.NewThrottledError("slow down", nil)
		p.EXPECT().Provision(gomock.Any(), spec).Return(nil, boom)

		_, err := reg.Provision(ctx, spec)
		assert.True(t, errors.Is(err, boom))
		assert.True(t, engine.IsThrottled(err))
	})
}

func TestRegistry_RateLimit(t *testing.T) {
	reg, p := newRegistry(t, driver.RegistryOptions{RateLimit: 0.5, Burst: 1})
	spec := driver.ProvisionSpec{Platform: "aws", Type: resources.TypeStorageContainer}

	p.EXPECT().Validate(gomock.Any(), spec).Return(nil).Times(1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, reg.Validate(ctx, spec))

	// The next token arrives in two seconds, past the deadline.
	err := reg.Validate(ctx, spec)
	require.Error(t, err)
	assert.True(t, engine.IsThrottled(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeRateLimited))
}

func TestBucketName(t *testing.T) {
	spec := driver.ProvisionSpec{Name: "Genome_Data", IdempotencyToken: "wf1:r1"}

	name := driver.BucketName("stratum-", spec)
	assert.Equal(t, name, driver.BucketName("stratum-", spec), "same token, same name")
	assert.True(t, strings.HasPrefix(name, "stratum-genome-data-"), name)
	assert.Regexp(t, `^[a-z0-9-]+$`, name)

	other := spec
	other.IdempotencyToken = "wf2:r1"
	assert.NotEqual(t, name, driver.BucketName("stratum-", other))

	long := driver.ProvisionSpec{Name: strings.Repeat("x", 100), IdempotencyToken: "t"}
	assert.LessOrEqual(t, len(driver.BucketName("", long)), 63)

	assert.True(t, strings.HasPrefix(driver.BucketName("", driver.ProvisionSpec{Name: "__"}), "b-"))
}

func TestDecodeAttributes(t *testing.T) {
	var opts struct {
		Versioning bool              `mapstructure:"versioning"`
		SizeGB     int               `mapstructure:"size_gb"`
		Labels     map[string]string `mapstructure:"labels"`
	}

	err := driver.DecodeAttributes(map[string]interface{}{
		"versioning": "true",
		"size_gb":    float64(20),
		"labels":     map[string]interface{}{"team": "genomics"},
		"ignored":    1,
	}, &opts)
	require.NoError(t, err)
	assert.True(t, opts.Versioning)
	assert.Equal(t, 20, opts.SizeGB)
	assert.Equal(t, "genomics", opts.Labels["team"])

	err = driver.DecodeAttributes(map[string]interface{}{"labels": []int{1, 2}}, &opts)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}
