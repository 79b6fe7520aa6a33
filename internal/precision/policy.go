// Package precision implements mixed precision policies.
//
// A Policy names three floating-point types: Param for trainable leaves at
// rest, Compute for every leaf while the loss is evaluated, and Output for
// the reported loss. Only floating-point array leaves are ever cast;
// integer buffers and static leaves pass through untouched.
package precision

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Policy is a mixed precision policy.
type Policy struct {
	Param   tensor.DataType
	Compute tensor.DataType
	Output  tensor.DataType
}

// Full is the all-float32 policy.
var Full = Policy{Param: tensor.Float32, Compute: tensor.Float32, Output: tensor.Float32}

// Parse reads a policy string.
//
// A single type name ("f32", "bf16", "float16", ...) applies to all three
// roles. Otherwise the string is a comma separated list of role=type pairs;
// roles are p/params, c/compute and o/output, and omitted roles stay
// float32. Example: "p=f32,c=bf16,o=f32".
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Full, nil
	}
	if !strings.Contains(s, "=") {
		dt, err := floating(s)
		if err != nil {
			return Policy{}, err
		}
		return Policy{Param: dt, Compute: dt, Output: dt}, nil
	}

	p := Full
	for _, part := range strings.Split(s, ",") {
		role, name, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Policy{}, errors.Errorf("malformed precision policy entry %q", part)
		}
		dt, err := floating(name)
		if err != nil {
			return Policy{}, err
		}
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "p", "param", "params":
			p.Param = dt
		case "c", "compute":
			p.Compute = dt
		case "o", "output":
			p.Output = dt
		default:
			return Policy{}, errors.Errorf("unknown precision policy role %q", role)
		}
	}
	return p, nil
}

// MustParse is Parse for constant policy strings.
func MustParse(s string) Policy {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func floating(name string) (tensor.DataType, error) {
	dt, err := tensor.ParseDataType(strings.TrimSpace(name))
	if err != nil {
		return 0, err
	}
	if !dt.IsFloating() {
		return 0, errors.Errorf("precision policy type %s is not floating point", dt)
	}
	return dt, nil
}

// String formats the policy in the form accepted by Parse.
func (p Policy) String() string {
	return "p=" + short(p.Param) + ",c=" + short(p.Compute) + ",o=" + short(p.Output)
}

func short(dt tensor.DataType) string {
	switch dt {
	case tensor.Float64:
		return "f64"
	case tensor.Float16:
		return "f16"
	case tensor.BFloat16:
		return "bf16"
	default:
		return "f32"
	}
}

// UnmarshalText lets a policy be read from TOML strings.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// CastToParam casts floating leaves of t to the param type.
func (p Policy) CastToParam(t *tree.Tree) (*tree.Tree, error) {
	return castFloating(t, p.Param)
}

// CastToCompute casts floating leaves of t to the compute type.
func (p Policy) CastToCompute(t *tree.Tree) (*tree.Tree, error) {
	return castFloating(t, p.Compute)
}

// CastToOutput casts floating leaves of t to the output type.
func (p Policy) CastToOutput(t *tree.Tree) (*tree.Tree, error) {
	return castFloating(t, p.Output)
}

// CastOutput rounds a scalar to the output type.
func (p Policy) CastOutput(v float64) float64 {
	return tensor.RoundTrip(v, p.Output)
}

func castFloating(t *tree.Tree, dt tensor.DataType) (*tree.Tree, error) {
	return t.MapTensors(func(_ string, raw *tensor.RawTensor) (*tensor.RawTensor, error) {
		if !raw.DType().IsFloating() {
			return raw, nil
		}
		return raw.Cast(dt), nil
	})
}
