package policy

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/Mufanc/zynx/domain"
)

// registry is the default RegistryIface: a radix tree keyed by the
// provider type's name, following handler.handlerService's
// iradix.Tree-under-RWMutex shape but indexed by provider identity
// instead of filesystem path.
type registry struct {
	sync.RWMutex
	tree *iradix.Tree
}

// NewRegistry returns an empty, ready-to-use RegistryIface.
func NewRegistry() RegistryIface {
	return &registry{tree: iradix.New()}
}

func (r *registry) Setup(providers []domain.Provider) {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			logrus.Errorf("policy: failed to register provider %s: %v", p.Type(), err)
		}
	}
}

func key(t domain.ProviderType) []byte {
	return []byte(t.String())
}

func (r *registry) Register(p domain.Provider) error {
	r.Lock()
	defer r.Unlock()

	k := key(p.Type())
	if _, ok := r.tree.Get(k); ok {
		return fmt.Errorf("policy: provider %s already registered", p.Type())
	}

	tree, _, _ := r.tree.Insert(k, p)
	r.tree = tree
	return nil
}

func (r *registry) Unregister(t domain.ProviderType) error {
	r.Lock()
	defer r.Unlock()

	k := key(t)
	if _, ok := r.tree.Get(k); !ok {
		return fmt.Errorf("policy: provider %s not registered", t)
	}

	tree, _, _ := r.tree.Delete(k)
	r.tree = tree
	return nil
}

func (r *registry) Lookup(t domain.ProviderType) (domain.Provider, bool) {
	r.RLock()
	defer r.RUnlock()

	v, ok := r.tree.Get(key(t))
	if !ok {
		return nil, false
	}
	return v.(domain.Provider), true
}

// Decide runs Check against every registered provider and aggregates the
// results into one InjectPayload, per spec.md §6. Nothing in this module
// calls a provider's Recheck: a MoreInfo answer gets no second pass.
//
// The bool result is false if any provider denies outright: spec.md §4.6
// step 5 treats a single Deny as authoritative over the whole embryo.
func (r *registry) Decide(args *domain.SpecializeArgs) (domain.InjectPayload, bool) {
	r.RLock()
	providers := r.snapshot()
	r.RUnlock()

	var payload domain.InjectPayload

	for _, p := range providers {
		d := p.Check(args)
		switch d.Kind {
		case domain.DecisionDeny:
			return domain.InjectPayload{}, false
		case domain.DecisionAllow:
			if len(d.Libraries) > 0 || len(d.Data) > 0 {
				payload.Segments = append(payload.Segments, domain.Segment{
					Provider:  p.Type(),
					Libraries: d.Libraries,
					Data:      d.Data,
				})
			}
		case domain.DecisionMoreInfo:
			// No slow path follows; MoreInfo counts as allowed with no
			// payload.
		}
	}

	return payload, true
}

func (r *registry) snapshot() []domain.Provider {
	var out []domain.Provider
	r.tree.Root().Walk(func(_ []byte, v interface{}) bool {
		out = append(out, v.(domain.Provider))
		return false
	})
	return out
}
