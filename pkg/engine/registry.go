package engine

import "fmt"

// Registry is an explicit ordered table of phases. Order is dependency
// order: a phase's prerequisites must be registered before it.
type Registry struct {
	phases []Phase
	byName map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// Register appends a phase. It rejects duplicate names and prerequisites
// that are not already registered, so the table is dependency-ordered by
// construction.
func (r *Registry) Register(p Phase) error {
	if p.Name == "" {
		return fmt.Errorf("phase name is required")
	}
	if p.Body == nil {
		return fmt.Errorf("phase %s has no body", p.Name)
	}
	if _, exists := r.byName[p.Name]; exists {
		return fmt.Errorf("phase %s already registered", p.Name)
	}
	for _, pre := range p.Prerequisites {
		if _, exists := r.byName[pre]; !exists {
			return fmt.Errorf("phase %s requires unregistered prerequisite %s", p.Name, pre)
		}
	}

	r.byName[p.Name] = len(r.phases)
	r.phases = append(r.phases, p)

	return nil
}

// MustRegister registers a phase and panics on error. For static tables
// built at startup.
func (r *Registry) MustRegister(p Phase) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Phases returns the registered phases in dependency order.
func (r *Registry) Phases() []Phase {
	out := make([]Phase, len(r.phases))
	copy(out, r.phases)
	return out
}

// Len returns the number of registered phases.
func (r *Registry) Len() int {
	return len(r.phases)
}

// batches splits the ordered phase list into execution batches: a run of
// consecutive phases sharing a non-empty ParallelGroup forms one batch,
// every other phase is a batch of one.
func (r *Registry) batches() [][]Phase {
	var out [][]Phase

	i := 0
	for i < len(r.phases) {
		p := r.phases[i]
		if p.ParallelGroup == "" {
			out = append(out, []Phase{p})
			i++
			continue
		}

		j := i + 1
		for j < len(r.phases) && r.phases[j].ParallelGroup == p.ParallelGroup {
			j++
		}
		out = append(out, r.phases[i:j])
		i = j
	}

	return out
}
