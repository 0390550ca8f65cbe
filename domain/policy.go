package domain

// ProviderType is the closed set of policy-provider categories. spec.md §9
// leaves the canonical list an open question ("source versions
// include/exclude Debugger and Zygisk under feature flags"); this
// implementation fixes the set to these three, as the spec allows.
type ProviderType uint8

const (
	ProviderLiteLoader ProviderType = iota + 1
	ProviderDebugger
	ProviderZygisk
)

func (t ProviderType) String() string {
	switch t {
	case ProviderLiteLoader:
		return "LiteLoader"
	case ProviderDebugger:
		return "Debugger"
	case ProviderZygisk:
		return "Zygisk"
	default:
		return "Unknown"
	}
}

// LibraryType distinguishes native .so payloads from .dex/.jar ones, per
// spec.md §3's "Inject library" entity.
type LibraryType uint8

const (
	LibraryNative LibraryType = iota
	LibraryJava
)

// InjectLibrary describes one library to be loaded into the embryo. The
// sealed memfd backing it is supplied separately (via Fd) so that
// InjectLibrary itself stays a plain, comparable value usable in tests.
type InjectLibrary struct {
	Name string
	Type LibraryType
	Fd   int // sealed memfd; -1 once handed off and forgotten
}

// Segment groups the decisions of a single provider, per spec.md §3's
// "Injection payload" entity.
type Segment struct {
	Provider  ProviderType
	Libraries []InjectLibrary
	Data      []byte // optional opaque bytes, nil if unused
}

// InjectPayload is the full decision for one embryo: one segment per
// provider that opted in.
type InjectPayload struct {
	Segments []Segment
}

// LibraryCount returns the total number of library descriptors across all
// segments — used by spec.md §8's fd-count invariant.
func (p *InjectPayload) LibraryCount() int {
	n := 0
	for _, s := range p.Segments {
		n += len(s.Libraries)
	}
	return n
}

// Empty reports whether the payload carries no libraries and no data at
// all (i.e. every provider denied).
func (p *InjectPayload) Empty() bool {
	return p == nil || len(p.Segments) == 0
}

// Decision is what a single policy provider returns for one embryo.
type Decision struct {
	Kind      DecisionKind
	Libraries []InjectLibrary
	Data      []byte
	State     interface{} // opaque state carried from Check to Recheck, MoreInfo only
}

type DecisionKind uint8

const (
	DecisionDeny DecisionKind = iota
	DecisionAllow
	DecisionMoreInfo
)

// Provider is the external policy-provider contract from spec.md §6: each
// provider decides, from the fast (register-resident) arguments alone,
// whether it can commit immediately, needs more (stack-spilled) data via
// Recheck, or denies outright.
type Provider interface {
	Type() ProviderType
	Check(args *SpecializeArgs) Decision
	Recheck(args *SpecializeArgs, state interface{}) Decision
}
