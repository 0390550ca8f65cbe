package fakes

import (
	"github.com/stretchr/testify/mock"

	"github.com/Mufanc/zynx/domain"
	"github.com/Mufanc/zynx/policy"
)

var _ policy.RegistryIface = (*Registry)(nil)

// Registry is a mock policy.RegistryIface for tests that need to script
// Decide's outcome for a scenario (allow, deny, empty payload) without
// wiring a real radix-tree-backed registry and real providers. Within
// this module only the fakes package's own tests use it.
type Registry struct {
	mock.Mock
}

func (r *Registry) Setup(providers []domain.Provider) {
	r.Called(providers)
}

func (r *Registry) Register(p domain.Provider) error {
	ret := r.Called(p)
	return ret.Error(0)
}

func (r *Registry) Unregister(t domain.ProviderType) error {
	ret := r.Called(t)
	return ret.Error(0)
}

func (r *Registry) Lookup(t domain.ProviderType) (domain.Provider, bool) {
	ret := r.Called(t)
	var p domain.Provider
	if v := ret.Get(0); v != nil {
		p = v.(domain.Provider)
	}
	return p, ret.Bool(1)
}

func (r *Registry) Decide(args *domain.SpecializeArgs) (domain.InjectPayload, bool) {
	ret := r.Called(args)
	var payload domain.InjectPayload
	if v := ret.Get(0); v != nil {
		payload = v.(domain.InjectPayload)
	}
	return payload, ret.Bool(1)
}
