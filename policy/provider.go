// Package policy implements spec.md §6's policy-provider contract and
// registry: the closed set of providers a registered embryo is checked
// against, and the aggregation of their individual decisions into one
// InjectPayload.
package policy

import (
	"github.com/Mufanc/zynx/domain"
)

// RegistryIface indexes the providers currently wired into this instance of
// zynx-core and aggregates their decisions for one embryo.
type RegistryIface interface {
	Setup(providers []domain.Provider)
	Register(p domain.Provider) error
	Unregister(t domain.ProviderType) error
	Lookup(t domain.ProviderType) (domain.Provider, bool)
	Decide(args *domain.SpecializeArgs) (domain.InjectPayload, bool)
}
