// Package fakes holds testify/mock test doubles for zynx-core's external
// interfaces, in the same mock.Mock idiom sysbox-fs's mocks/ package uses
// for ContainerIface and friends — hand-written here rather than
// mockery-generated, since domain.Provider and policy.RegistryIface are
// this module's own interfaces, not third-party ones worth code-genning.
package fakes

import (
	"github.com/stretchr/testify/mock"

	"github.com/Mufanc/zynx/domain"
)

var _ domain.Provider = (*Provider)(nil)

// Provider is a mock domain.Provider, letting tests script exactly what
// Check/Recheck return for a given policy-provider slot without standing
// up a real LiteLoader/Debugger/Zygisk implementation.
type Provider struct {
	mock.Mock
}

func (p *Provider) Type() domain.ProviderType {
	ret := p.Called()
	return ret.Get(0).(domain.ProviderType)
}

func (p *Provider) Check(args *domain.SpecializeArgs) domain.Decision {
	ret := p.Called(args)
	return ret.Get(0).(domain.Decision)
}

func (p *Provider) Recheck(args *domain.SpecializeArgs, state interface{}) domain.Decision {
	ret := p.Called(args, state)
	return ret.Get(0).(domain.Decision)
}
