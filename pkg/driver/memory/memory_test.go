package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

func spec(token string) driver.ProvisionSpec {
	return driver.ProvisionSpec{
		Platform:         "local",
		Type:             resources.TypeStorageContainer,
		ResourceID:       "r1",
		Name:             "genomes",
		Region:           "iowa",
		IdempotencyToken: token,
	}
}

func TestDriver_ProvisionIsIdempotent(t *testing.T) {
	d := New("local")
	ctx := context.Background()

	first, err := d.Provision(ctx, spec("wf1:r1"))
	require.NoError(t, err)
	second, err := d.Provision(ctx, spec("wf1:r1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "iowa", first.Region)
	assert.Len(t, d.Objects(), 1)

	_, err = d.Provision(ctx, spec("wf2:r1"))
	require.NoError(t, err)
	assert.Len(t, d.Objects(), 2)
}

func TestDriver_ConcurrentProvision(t *testing.T) {
	d := New("local")

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := d.Provision(context.Background(), spec("wf1:r1"))
			if err == nil {
				ids[i] = h.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, d.Objects(), 1)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 20, d.Calls(OpProvision))
}

func TestDriver_FailNext(t *testing.T) {
	d := New("local")
	ctx := context.Background()

	boom := engine.NewTransientError("unavailable", nil)
	d.FailNext(OpProvision, boom)

	_, err := d.Provision(ctx, spec("t"))
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, d.Objects())

	_, err = d.Provision(ctx, spec("t"))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Calls(OpProvision))
}

func TestDriver_Deprovision(t *testing.T) {
	d := New("local")
	ctx := context.Background()

	h, err := d.Provision(ctx, spec("t"))
	require.NoError(t, err)
	require.NoError(t, d.Deprovision(ctx, *h))

	_, ok := d.Get(h.ID)
	assert.False(t, ok)

	err = d.Deprovision(ctx, *h)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))

	// A deprovisioned token provisions a fresh object.
	again, err := d.Provision(ctx, spec("t"))
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, again.ID)
}

func TestDriver_CopySource(t *testing.T) {
	d := New("local")
	ctx := context.Background()

	src, err := d.Provision(ctx, spec("a"))
	require.NoError(t, err)

	s := spec("b")
	s.Source = src
	dst, err := d.Provision(ctx, s)
	require.NoError(t, err)

	obj, ok := d.Get(dst.ID)
	require.True(t, ok)
	assert.Equal(t, src.ID, obj.CopiedFrom)

	s = spec("c")
	s.Source = &resources.Handle{ID: "missing"}
	_, err = d.Provision(ctx, s)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestDriver_ValidateAndRegister(t *testing.T) {
	d := New("local")
	ctx := context.Background()

	assert.NoError(t, d.Validate(ctx, spec("t")))
	err := d.Validate(ctx, driver.ProvisionSpec{})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	reg := driver.NewRegistry(driver.RegistryOptions{})
	require.NoError(t, d.Register(reg))
	p, err := reg.Lookup("local", resources.TypeDisk)
	require.NoError(t, err)
	assert.Same(t, d, p)
}
