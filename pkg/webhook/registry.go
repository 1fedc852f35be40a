package webhook

import (
	"net/url"
	"strings"
	"sync"
)

// NormalizePath trims p, ensures a leading slash and strips trailing slashes.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// ResolvePath picks the webhook path for an account: the explicit path, else
// the path component of the public URL, else fallback.
func ResolvePath(explicit, publicURL, fallback string) string {
	if strings.TrimSpace(explicit) != "" {
		return NormalizePath(explicit)
	}
	if strings.TrimSpace(publicURL) != "" {
		if u, err := url.Parse(strings.TrimSpace(publicURL)); err == nil && u.Path != "" && u.Path != "/" {
			return NormalizePath(u.Path)
		}
	}
	return NormalizePath(fallback)
}

// Registry maps normalized paths to the targets registered there.
type Registry struct {
	mu      sync.RWMutex
	targets map[string][]*Target
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string][]*Target)}
}

// Register appends t under its normalized path and returns a function that
// removes exactly this instance. The returned function is idempotent.
func (r *Registry) Register(t *Target) (unregister func()) {
	t.Path = NormalizePath(t.Path)

	r.mu.Lock()
	r.targets[t.Path] = append(r.targets[t.Path], t)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(t) })
	}
}

func (r *Registry) remove(t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.targets[t.Path]
	for i, existing := range list {
		if existing == t {
			next := make([]*Target, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.targets, t.Path)
			} else {
				r.targets[t.Path] = next
			}
			return
		}
	}
}

// Targets returns a copy of the targets registered at path.
func (r *Registry) Targets(path string) []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.targets[NormalizePath(path)]
	out := make([]*Target, len(list))
	copy(out, list)
	return out
}

// Paths returns every path with at least one target.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.targets))
	for p := range r.targets {
		out = append(out, p)
	}
	return out
}

// Resolve returns the first target at path whose protocol matches req.
// Targets whose protocol rejects req as malformed are skipped; when every
// target does, the first such error is returned instead of ErrUnauthorized.
func (r *Registry) Resolve(path string, req *Request) (*Target, error) {
	candidates := r.Targets(path)
	if len(candidates) == 0 {
		return nil, ErrNoTargets
	}
	var malformed error
	wellFormed := 0
	for _, t := range candidates {
		if t.Protocol == nil {
			continue
		}
		if v, ok := t.Protocol.(Validator); ok {
			if err := v.Validate(req); err != nil {
				if malformed == nil {
					malformed = err
				}
				continue
			}
		}
		wellFormed++
		if t.Protocol.Matches(req) {
			return t, nil
		}
	}
	if wellFormed == 0 && malformed != nil {
		return nil, malformed
	}
	return nil, ErrUnauthorized
}

// Reset drops every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = make(map[string][]*Target)
}
