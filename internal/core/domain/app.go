package domain

import (
	"fmt"
	"reflect"
)

// AppDefinition identifies one wrapped application: the root chain, its
// declared input/output keys, and caller-supplied tags/metadata. Stored
// alongside every record produced for it.
type AppDefinition struct {
	AppID      string         `json:"app_id"`
	Name       string         `json:"name"`
	RootClass  string         `json:"root_class,omitempty"`
	InputKeys  []string       `json:"input_keys,omitempty"`
	OutputKeys []string       `json:"output_keys,omitempty"`
	Tags       string         `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TypeDiscovery is the outcome of asking a component for its declared type.
// Discovery that cannot produce a name reports a reason instead of failing
// the caller.
type TypeDiscovery struct {
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Available reports whether a type name was discovered.
func (t TypeDiscovery) Available() bool { return t.Reason == "" }

// typeNamer is the optional self-describing hook some components expose.
// Implementations are allowed to panic ("not implemented"); discovery
// absorbs that into an unavailable result.
type typeNamer interface {
	ChainType() string
}

// DiscoverType resolves a component's declared type name, degrading to an
// unavailable result rather than propagating failures.
func DiscoverType(v any) (td TypeDiscovery) {
	if v == nil {
		return TypeDiscovery{Reason: "nil component"}
	}

	if n, ok := v.(typeNamer); ok {
		defer func() {
			if r := recover(); r != nil {
				td = TypeDiscovery{Reason: fmt.Sprintf("type discovery unavailable: %v", r)}
			}
		}()
		return TypeDiscovery{Name: n.ChainType()}
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return TypeDiscovery{Reason: fmt.Sprintf("unnamed type %s", t.String())}
	}
	if t.PkgPath() != "" {
		return TypeDiscovery{Name: t.PkgPath() + "." + t.Name()}
	}
	return TypeDiscovery{Name: t.Name()}
}
