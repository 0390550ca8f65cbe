package fakes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mufanc/zynx/domain"
)

// These exercise the fakes themselves against the real domain types, the
// way registry_test.go's local fakeProvider is exercised in the policy
// package — standing in for the "fake policy.Provider for orchestrator
// scenario tests" spec.md §8 calls for, at the layer that's actually
// testable without a kernel: the provider/registry contract.

func TestProviderMockSatisfiesDecisionContract(t *testing.T) {
	p := &Provider{}
	p.On("Type").Return(domain.ProviderZygisk)
	p.On("Check", mock.Anything).Return(domain.Decision{Kind: domain.DecisionAllow})

	assert.Equal(t, domain.ProviderZygisk, p.Type())

	d := p.Check(&domain.SpecializeArgs{Uid: 10050})
	assert.Equal(t, domain.DecisionAllow, d.Kind)

	p.AssertExpectations(t)
}

func TestProviderMockRecheckCarriesState(t *testing.T) {
	p := &Provider{}
	state := struct{ attempt int }{attempt: 1}
	p.On("Recheck", mock.Anything, state).Return(domain.Decision{Kind: domain.DecisionDeny})

	d := p.Recheck(&domain.SpecializeArgs{}, state)
	assert.Equal(t, domain.DecisionDeny, d.Kind)
	p.AssertExpectations(t)
}

func TestRegistryMockDecideAllow(t *testing.T) {
	r := &Registry{}
	payload := domain.InjectPayload{Segments: []domain.Segment{
		{Provider: domain.ProviderLiteLoader, Libraries: []domain.InjectLibrary{{Name: "libzynx.so"}}},
	}}
	r.On("Decide", mock.Anything).Return(payload, true)

	got, ok := r.Decide(&domain.SpecializeArgs{})
	require.True(t, ok)
	assert.Equal(t, 1, got.LibraryCount())
	r.AssertExpectations(t)
}

func TestRegistryMockDecideDenyReturnsEmptyPayload(t *testing.T) {
	r := &Registry{}
	r.On("Decide", mock.Anything).Return(domain.InjectPayload{}, false)

	got, ok := r.Decide(&domain.SpecializeArgs{})
	assert.False(t, ok)
	assert.True(t, got.Empty())
	r.AssertExpectations(t)
}

func TestRegistryMockLookupMiss(t *testing.T) {
	r := &Registry{}
	r.On("Lookup", domain.ProviderDebugger).Return(nil, false)

	p, ok := r.Lookup(domain.ProviderDebugger)
	assert.False(t, ok)
	assert.Nil(t, p)
	r.AssertExpectations(t)
}
