// Package hooks implements the ordered hook registry fired between training
// steps.
package hooks

// Stepper is anything that knows which step it describes.
type Stepper interface {
	Step() int
}

// Func is a hook callback. Hooks observe; they must not mutate the value
// they receive.
type Func[I Stepper] func(info I) error

type entry[I Stepper] struct {
	fn    Func[I]
	every int
}

// Registry holds hooks in registration order. It is not safe for
// concurrent use; hooks run synchronously on the training loop.
type Registry[I Stepper] struct {
	entries []entry[I]
}

// Add registers fn to run at steps divisible by every. Periods below one
// are treated as one.
func (r *Registry[I]) Add(fn Func[I], every int) {
	if every < 1 {
		every = 1
	}
	r.entries = append(r.entries, entry[I]{fn: fn, every: every})
}

// Len returns the number of registered hooks.
func (r *Registry[I]) Len() int {
	return len(r.entries)
}

// Fire runs every hook whose period divides info.Step(), or every hook when
// force is set. It stops at the first error.
func (r *Registry[I]) Fire(info I, force bool) error {
	step := info.Step()
	for _, e := range r.entries {
		if !force && step%e.every != 0 {
			continue
		}
		if err := e.fn(info); err != nil {
			return err
		}
	}
	return nil
}
