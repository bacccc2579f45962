package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/suyashkumar/dicom"

	"github.com/otcheredev/imaging-gateway/internal/models"
)

// InputPlugin transforms a received dataset and its metadata before the
// gateway buffers them.
type InputPlugin interface {
	Name() string
	Execute(ctx context.Context, ds *dicom.Dataset, m *models.FileStorageMetadata) error
}

// OutputPlugin transforms an export data message before the remote send.
type OutputPlugin interface {
	Name() string
	Execute(ctx context.Context, msg *models.ExportRequestDataMessage) error
}

// Plug-ins register factories at init time; configuration references the
// stable identifiers only.
var (
	mu              sync.RWMutex
	inputFactories  = map[string]func() InputPlugin{}
	outputFactories = map[string]func() OutputPlugin{}
)

// RegisterInput adds an input plug-in factory under its identifier.
func RegisterInput(name string, factory func() InputPlugin) {
	mu.Lock()
	defer mu.Unlock()
	inputFactories[name] = factory
}

// RegisterOutput adds an output plug-in factory under its identifier.
func RegisterOutput(name string, factory func() OutputPlugin) {
	mu.Lock()
	defer mu.Unlock()
	outputFactories[name] = factory
}

// RegisteredInputNames lists known input plug-in identifiers.
func RegisteredInputNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(inputFactories))
	for n := range inputFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputChain is an ordered sequence of resolved input plug-ins.
type InputChain []InputPlugin

// ResolveInputChain resolves every identifier; unresolved names are
// aggregated into a single error so the caller sees all of them at once.
func ResolveInputChain(names []string) (InputChain, error) {
	mu.RLock()
	defer mu.RUnlock()

	var chain InputChain
	var errs []error
	for _, n := range names {
		factory, ok := inputFactories[n]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown input plug-in %q", n))
			continue
		}
		chain = append(chain, factory())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return chain, nil
}

// Execute runs the chain in order. A failing plug-in fails only the
// in-flight instance; the caller decides how to surface that.
func (c InputChain) Execute(ctx context.Context, ds *dicom.Dataset, m *models.FileStorageMetadata) error {
	for _, p := range c {
		if err := p.Execute(ctx, ds, m); err != nil {
			return fmt.Errorf("input plug-in %q: %w", p.Name(), err)
		}
	}
	return nil
}

// OutputChain is an ordered sequence of resolved output plug-ins.
type OutputChain []OutputPlugin

// ResolveOutputChain resolves every identifier, aggregating failures.
func ResolveOutputChain(names []string) (OutputChain, error) {
	mu.RLock()
	defer mu.RUnlock()

	var chain OutputChain
	var errs []error
	for _, n := range names {
		factory, ok := outputFactories[n]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown output plug-in %q", n))
			continue
		}
		chain = append(chain, factory())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return chain, nil
}

// Execute runs the chain in order against an export message. Messages that
// already failed upstream pass through untouched.
func (c OutputChain) Execute(ctx context.Context, msg *models.ExportRequestDataMessage) error {
	if msg.Failed {
		return nil
	}
	for _, p := range c {
		if err := p.Execute(ctx, msg); err != nil {
			return fmt.Errorf("output plug-in %q: %w", p.Name(), err)
		}
	}
	return nil
}
