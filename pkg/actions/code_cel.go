package actions

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Mindburn-Labs/warden/pkg/egress"
)

// DefaultCELCostLimit bounds a single cel evaluation.
const DefaultCELCostLimit uint64 = 1_000_000

var (
	stringMap  = cel.MapType(cel.StringType, cel.DynType)
	structType = reflect.TypeOf(&structpb.Struct{})
	valueType  = reflect.TypeOf(&structpb.Value{})
	errNoFetch = errors.New("fetch is not available")
)

// celEnv declares params and the fetch builtin. fetch(url) and
// fetch(url, {method, headers, body}) both return
// {status, headers, body} and go through the egress proxy.
func celEnv(fetch func(egress.Request) ref.Val) (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", stringMap),
		cel.Function("fetch",
			cel.Overload("fetch_string",
				[]*cel.Type{cel.StringType}, stringMap,
				cel.UnaryBinding(func(u ref.Val) ref.Val {
					url, ok := u.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(u)
					}
					return fetch(egress.Request{URL: string(url)})
				}),
			),
			cel.Overload("fetch_string_map",
				[]*cel.Type{cel.StringType, stringMap}, stringMap,
				cel.BinaryBinding(func(u, o ref.Val) ref.Val {
					url, ok := u.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(u)
					}
					req, err := requestOptions(string(url), o)
					if err != nil {
						return types.NewErr("fetch: %v", err)
					}
					return fetch(req)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func requestOptions(url string, o ref.Val) (egress.Request, error) {
	native, err := o.ConvertToNative(structType)
	if err != nil {
		return egress.Request{}, err
	}
	opts := native.(*structpb.Struct).AsMap()

	req := egress.Request{URL: url}
	if m, ok := opts["method"].(string); ok {
		req.Method = m
	}
	if b, ok := opts["body"].(string); ok {
		req.Body = b
	}
	if h, ok := opts["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(h))
		for k, v := range h {
			req.Headers[k] = stringify(v)
		}
	}
	return req, nil
}

// checkCEL compiles an expression without running it.
func checkCEL(expr string) error {
	env, err := celEnv(func(egress.Request) ref.Val { return types.NewErr("%v", errNoFetch) })
	if err != nil {
		return err
	}
	if _, iss := env.Compile(expr); iss.Err() != nil {
		return fmt.Errorf("cel compile: %w", iss.Err())
	}
	return nil
}

func (g *Guard) invokeCEL(ctx context.Context, a Action, params map[string]any) (*Result, error) {
	// The first proxy error is kept so callers still see ErrBlocked.
	var fetchErr error
	env, err := celEnv(func(req egress.Request) ref.Val {
		resp, err := g.proxy.Fetch(ctx, req)
		if err != nil {
			if fetchErr == nil {
				fetchErr = err
			}
			return types.NewErr("fetch: %v", err)
		}
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		return types.DefaultTypeAdapter.NativeToValue(map[string]any{
			"status":  int64(resp.Status),
			"headers": headers,
			"body":    resp.Body,
		})
	})
	if err != nil {
		return nil, err
	}

	ast, iss := env.Compile(a.Code.Expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", iss.Err())
	}
	prg, err := env.Program(ast,
		cel.CostLimit(g.celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"params": params})
	if err != nil {
		if fetchErr != nil {
			return nil, fmt.Errorf("cel: %w", fetchErr)
		}
		return nil, fmt.Errorf("cel eval: %w", err)
	}

	if s, ok := out.(types.String); ok {
		return &Result{Output: string(s)}, nil
	}
	native, err := out.ConvertToNative(valueType)
	if err != nil {
		return nil, fmt.Errorf("cel result: %w", err)
	}
	data, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return nil, fmt.Errorf("cel result: %w", err)
	}
	return &Result{Output: string(data)}, nil
}
