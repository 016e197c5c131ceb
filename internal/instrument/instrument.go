// Package instrument rewrites a langchaingo object graph so that every
// supported component is fronted by a recording proxy. Proxies delegate
// transparently outside a recording and append call records inside one.
package instrument

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"

	"github.com/chainlens/chainlens/internal/core/domain"
)

// pkgAllowlist restricts graph rewriting to framework components and our
// own types. Everything else is left untouched and logged.
var pkgAllowlist = []string{
	"github.com/tmc/langchaingo",
	"github.com/chainlens/chainlens",
}

// Process-wide registry of instrumented classes and their intercepted
// methods. Guarded by registryMu; wrapping may happen from any goroutine.
var (
	registryMu sync.Mutex
	registry   = map[string]map[string]struct{}{}
)

func classRegistered(class string) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	_, ok := registry[class]
	return ok
}

func registerClass(class string, methods ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	set, ok := registry[class]
	if !ok {
		set = map[string]struct{}{}
		registry[class] = set
	}
	for _, m := range methods {
		set[m] = struct{}{}
	}
}

// RegisteredMethods returns a snapshot of every instrumented class mapped to
// its intercepted method names, sorted for stable output.
func RegisteredMethods() map[string][]string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make(map[string][]string, len(registry))
	for class, set := range registry {
		methods := make([]string, 0, len(set))
		for m := range set {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		out[class] = methods
	}
	return out
}

type unwrapper interface{ Unwrap() any }

// unwrapAll strips any recording proxies so re-instrumenting an already
// wrapped graph never stacks a second proxy on a component.
func unwrapAll(v any) any {
	for {
		u, ok := v.(unwrapper)
		if !ok {
			return v
		}
		v = u.Unwrap()
	}
}

// Instrument walks root's exported fields, replaces every supported
// component with a recording proxy, and returns the proxied root. Calling it
// on an already instrumented chain produces an equivalent single layer of
// proxies, never a doubled one.
func Instrument(logger *slog.Logger, root chains.Chain) (chains.Chain, error) {
	if root == nil {
		return nil, errors.New("cannot instrument a nil chain")
	}
	ins := &instrumenter{logger: logger}
	wrapped := ins.instrument(root, nil, map[uintptr]struct{}{})
	chain, ok := wrapped.(chains.Chain)
	if !ok {
		return nil, fmt.Errorf("instrumented root %T no longer satisfies the chain interface", wrapped)
	}
	return chain, nil
}

type instrumenter struct {
	logger *slog.Logger
}

// instrument rewrites one component: first its nested fields, then the
// component itself. The returned value is the proxy, or the (possibly
// field-rewritten) original when no capability matched.
func (ins *instrumenter) instrument(v any, path domain.CallPath, visited map[uintptr]struct{}) any {
	v = unwrapAll(v)
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return v
		}
		// cycle guard: a component reachable through several paths is
		// walked once, but each path still gets its own proxy
		if _, seen := visited[rv.Pointer()]; !seen {
			visited[rv.Pointer()] = struct{}{}
			if rv.Elem().Kind() == reflect.Struct && allowlisted(rv.Elem().Type().PkgPath()) {
				ins.walkStruct(rv.Elem(), path, visited)
			}
		}
	case reflect.Struct:
		if allowlisted(rv.Type().PkgPath()) {
			// interface-held struct values are not addressable, so field
			// rewrites go through a copy that replaces the original
			cp := reflect.New(rv.Type())
			cp.Elem().Set(rv)
			ins.walkStruct(cp.Elem(), path, visited)
			v = cp.Elem().Interface()
		}
	}

	return ins.wrapCapability(v, path)
}

func (ins *instrumenter) walkStruct(sv reflect.Value, path domain.CallPath, visited map[uintptr]struct{}) {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := sv.Field(i)
		switch fv.Kind() {
		case reflect.Interface:
			ins.instrumentField(fv, path.Extend(f.Name), visited)
		case reflect.Slice:
			if fv.Type().Elem().Kind() != reflect.Interface {
				continue
			}
			for j := 0; j < fv.Len(); j++ {
				ins.instrumentField(fv.Index(j), path.ExtendIndex(f.Name, j), visited)
			}
		case reflect.Pointer:
			if fv.IsNil() || fv.Elem().Kind() != reflect.Struct {
				continue
			}
			if !allowlisted(fv.Elem().Type().PkgPath()) {
				continue
			}
			if _, seen := visited[fv.Pointer()]; seen {
				continue
			}
			visited[fv.Pointer()] = struct{}{}
			ins.walkStruct(fv.Elem(), path.Extend(f.Name), visited)
		case reflect.Struct:
			if allowlisted(fv.Type().PkgPath()) {
				ins.walkStruct(fv, path.Extend(f.Name), visited)
			}
		}
	}
}

// instrumentField replaces one interface-typed field (or slice element) with
// a proxy around its current value. Fields that cannot be rewritten are
// logged and left alone; instrumentation never fails the wrap.
func (ins *instrumenter) instrumentField(fv reflect.Value, path domain.CallPath, visited map[uintptr]struct{}) {
	if fv.IsNil() {
		return
	}
	inner := fv.Interface()
	if !allowlisted(dynamicPkgPath(unwrapAll(inner))) {
		ins.logger.Debug("skipping component outside instrumentation scope",
			"path", path.String(), "type", fmt.Sprintf("%T", inner))
		return
	}

	wrapped := ins.instrument(inner, path, visited)
	if wrapped == nil {
		return
	}
	if !fv.CanSet() {
		ins.logger.Warn("cannot rewrite unsettable field", "path", path.String())
		return
	}
	wv := reflect.ValueOf(wrapped)
	if !wv.Type().AssignableTo(fv.Type()) {
		ins.logger.Warn("proxy does not satisfy field type, leaving original",
			"path", path.String(), "field_type", fv.Type().String())
		return
	}
	fv.Set(wv)
}

// wrapCapability matches the component against the supported capabilities in
// priority order and returns the proxy for the strongest match. A component
// with several capabilities is proxied once, as the strongest one.
func (ins *instrumenter) wrapCapability(v any, path domain.CallPath) any {
	class := className(v)
	if classRegistered(class) {
		ins.logger.Debug("re-instrumenting already registered class", "class", class, "path", path.String())
	}
	switch c := v.(type) {
	case chains.Chain:
		registerClass(class, "Call")
		return &wrappedChain{inner: c, path: path, class: class}
	case agents.Agent:
		registerClass(class, "Plan")
		return &wrappedAgent{inner: c, path: path, class: class}
	case schema.Retriever:
		registerClass(class, "GetRelevantDocuments")
		return &wrappedRetriever{inner: c, path: path, class: class}
	case llms.Model:
		registerClass(class, "GenerateContent", "Call")
		return &wrappedModel{inner: c, path: path, class: class}
	case tools.Tool:
		registerClass(class, "Call")
		return &wrappedTool{inner: c, path: path, class: class}
	case schema.Memory:
		registerClass(class, "LoadMemoryVariables", "SaveContext")
		return &wrappedMemory{inner: c, path: path, class: class}
	case prompts.FormatPrompter:
		// prompt formatting takes no context, so its calls cannot be
		// attributed to a recording; registered for visibility only
		registerClass(class)
		return v
	}
	return v
}

func className(v any) string {
	if td := domain.DiscoverType(v); td.Available() {
		return td.Name
	}
	return fmt.Sprintf("%T", v)
}

func allowlisted(pkgPath string) bool {
	for _, prefix := range pkgAllowlist {
		if strings.HasPrefix(pkgPath, prefix) {
			return true
		}
	}
	return false
}

func dynamicPkgPath(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.PkgPath()
}
