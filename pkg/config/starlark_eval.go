package config

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes deployment scripts. A script computes its
// settings as top-level globals; globals starting with "_" and functions
// are not part of the result.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult is the outcome of one script evaluation.
type StarlarkResult struct {
	Output        map[string]interface{}
	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes script with input bound as predeclared names. The
// thread is cancelled when ctx ends or the timeout elapses.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "cloudsaga",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"cidr_subnet": starlark.NewBuiltin("cidr_subnet", builtinCIDRSubnet),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("starlark execution of %s stopped: %w", filename, ctxErr)
		}
		return nil, fmt.Errorf("starlark execution of %s failed: %w", filename, err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIterable(val)
	case *starlark.List:
		return fromIterable(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, it.Len())
	for i := 0; i < it.Len(); i++ {
		item, err := fromStarlarkValue(it.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

// builtinCIDRSubnet implements cidr_subnet(prefix, newbits, netnum): the
// netnum-th subnet of prefix extended by newbits bits, IPv4 only.
func builtinCIDRSubnet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		prefix          string
		newbits, netnum int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prefix", &prefix, "newbits", &newbits, "netnum", &netnum); err != nil {
		return nil, err
	}
	sn, err := CIDRSubnet(prefix, newbits, netnum)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(sn), nil
}

// CIDRSubnet returns the netnum-th subnet of the IPv4 prefix after adding
// newbits bits to its mask.
func CIDRSubnet(prefix string, newbits, netnum int) (string, error) {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return "", err
	}
	if !p.Addr().Is4() {
		return "", fmt.Errorf("%s is not an IPv4 prefix", prefix)
	}
	bits := p.Bits() + newbits
	if newbits < 0 || bits > 32 {
		return "", fmt.Errorf("cannot extend /%d by %d bits", p.Bits(), newbits)
	}
	if netnum < 0 || netnum >= 1<<newbits {
		return "", fmt.Errorf("netnum %d out of range for %d new bits", netnum, newbits)
	}

	base := p.Masked().Addr().As4()
	n := binary.BigEndian.Uint32(base[:]) | uint32(netnum)<<(32-bits)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return netip.PrefixFrom(netip.AddrFrom4(out), bits).String(), nil
}
