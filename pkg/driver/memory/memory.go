// Package memory implements an in-process driver for the local platform.
// It keeps cloud objects in a map, honours idempotency tokens and supports
// failure injection for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Operation names used for failure injection.
const (
	OpProvision   = "provision"
	OpDeprovision = "deprovision"
	OpValidate    = "validate"
)

// Object is a cloud object held by the driver.
type Object struct {
	Handle     resources.Handle
	Spec       driver.ProvisionSpec
	CopiedFrom string
}

var _ driver.Provisioner = (*Driver)(nil)

// Driver is a Provisioner that stores objects in memory.
type Driver struct {
	mu sync.Mutex

	platform string

	// objects maps handle id to object.
	objects map[string]*Object

	// tokens maps idempotency token to handle id.
	tokens map[string]string

	// failures holds injected errors per operation, consumed in order.
	failures map[string][]error

	calls map[string]int
}

// New creates an empty driver for platform.
func New(platform string) *Driver {
	return &Driver{
		platform: platform,
		objects:  make(map[string]*Object),
		tokens:   make(map[string]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Register binds the driver to every resource type on its platform.
func (d *Driver) Register(reg *driver.Registry) error {
	for _, rt := range []resources.ResourceType{
		resources.TypeStorageContainer,
		resources.TypeComputeInstance,
		resources.TypeDisk,
		resources.TypeDatabase,
		resources.TypeDataset,
	} {
		if err := reg.Register(d.platform, rt, d); err != nil {
			return err
		}
	}
	return nil
}

// FailNext makes the next call of op return err. Repeated calls queue errors.
func (d *Driver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

// Calls returns how many times op was invoked, including failed calls.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Objects returns the live objects ordered by handle id.
func (d *Driver) Objects() []Object {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Object, 0, len(d.objects))
	for _, o := range d.objects {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

// Get returns the object behind a handle id.
func (d *Driver) Get(id string) (Object, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// injected pops the next injected failure for op. Callers hold mu.
func (d *Driver) injected(op string) error {
	d.calls[op]++
	queue := d.failures[op]
	if len(queue) == 0 {
		return nil
	}
	d.failures[op] = queue[1:]
	return queue[0]
}

// Provision creates an object, or returns the one already created for the token.
func (d *Driver) Provision(ctx context.Context, spec driver.ProvisionSpec) (*resources.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected(OpProvision); err != nil {
		return nil, err
	}

	if spec.IdempotencyToken != "" {
		if id, ok := d.tokens[spec.IdempotencyToken]; ok {
			if o, live := d.objects[id]; live {
				h := o.Handle
				return &h, nil
			}
		}
	}

	var copied string
	if spec.Source != nil {
		if _, ok := d.objects[spec.Source.ID]; !ok {
			return nil, engine.NewNotFoundError(fmt.Sprintf("copy source %s does not exist", spec.Source.ID))
		}
		copied = spec.Source.ID
	}

	handle := resources.Handle{
		Platform: d.platform,
		Type:     spec.Type,
		ID:       uuid.New().String(),
		Region:   spec.Region,
		Attributes: map[string]string{
			"name": spec.Name,
		},
	}
	d.objects[handle.ID] = &Object{Handle: handle, Spec: spec, CopiedFrom: copied}
	if spec.IdempotencyToken != "" {
		d.tokens[spec.IdempotencyToken] = handle.ID
	}

	h := handle
	return &h, nil
}

// Deprovision removes an object. A missing object fails with NOT_FOUND.
func (d *Driver) Deprovision(ctx context.Context, handle resources.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected(OpDeprovision); err != nil {
		return err
	}
	if _, ok := d.objects[handle.ID]; !ok {
		return engine.NewNotFoundError(fmt.Sprintf("object %s not found", handle.ID))
	}
	delete(d.objects, handle.ID)
	return nil
}

// Validate rejects specs without a name.
func (d *Driver) Validate(ctx context.Context, spec driver.ProvisionSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected(OpValidate); err != nil {
		return err
	}
	if spec.Name == "" {
		return engine.NewValidationError("name is required", nil)
	}
	return nil
}
