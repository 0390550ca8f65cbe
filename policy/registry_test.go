package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mufanc/zynx/domain"
)

type fakeProvider struct {
	typ     domain.ProviderType
	decide  domain.Decision
	checked int
}

func (f *fakeProvider) Type() domain.ProviderType { return f.typ }

func (f *fakeProvider) Check(args *domain.SpecializeArgs) domain.Decision {
	f.checked++
	return f.decide
}

func (f *fakeProvider) Recheck(args *domain.SpecializeArgs, state interface{}) domain.Decision {
	return f.decide
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{typ: domain.ProviderLiteLoader}

	require.NoError(t, r.Register(p))

	got, ok := r.Lookup(domain.ProviderLiteLoader)
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{typ: domain.ProviderDebugger}

	require.NoError(t, r.Register(p))
	assert.Error(t, r.Register(p))
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{typ: domain.ProviderZygisk}

	require.NoError(t, r.Register(p))
	require.NoError(t, r.Unregister(domain.ProviderZygisk))

	_, ok := r.Lookup(domain.ProviderZygisk)
	assert.False(t, ok)
}

func TestRegistryUnregisterMissing(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Unregister(domain.ProviderLiteLoader))
}

func TestDecideAggregatesAllows(t *testing.T) {
	r := NewRegistry()
	lib := domain.InjectLibrary{Name: "libzynx.so", Type: domain.LibraryNative, Fd: -1}

	require.NoError(t, r.Register(&fakeProvider{
		typ:    domain.ProviderLiteLoader,
		decide: domain.Decision{Kind: domain.DecisionAllow, Libraries: []domain.InjectLibrary{lib}},
	}))
	require.NoError(t, r.Register(&fakeProvider{
		typ:    domain.ProviderDebugger,
		decide: domain.Decision{Kind: domain.DecisionAllow}, // allowed but nothing to inject
	}))

	payload, ok := r.Decide(&domain.SpecializeArgs{})
	require.True(t, ok)
	require.Len(t, payload.Segments, 1)
	assert.Equal(t, domain.ProviderLiteLoader, payload.Segments[0].Provider)
	assert.Equal(t, 1, payload.LibraryCount())
}

func TestDecideDenyShortCircuitsWholeEmbryo(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&fakeProvider{
		typ:    domain.ProviderLiteLoader,
		decide: domain.Decision{Kind: domain.DecisionAllow, Libraries: []domain.InjectLibrary{{Name: "a.so"}}},
	}))
	require.NoError(t, r.Register(&fakeProvider{
		typ:    domain.ProviderZygisk,
		decide: domain.Decision{Kind: domain.DecisionDeny},
	}))

	payload, ok := r.Decide(&domain.SpecializeArgs{})
	assert.False(t, ok)
	assert.True(t, payload.Empty())
}

func TestDecideNoProviders(t *testing.T) {
	r := NewRegistry()
	payload, ok := r.Decide(&domain.SpecializeArgs{})
	assert.True(t, ok)
	assert.True(t, payload.Empty())
}
