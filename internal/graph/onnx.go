package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	gg "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/x448/float16"

	"github.com/samcharles93/prism/internal/backend"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
)

// ONNXEngine builds graphs from ONNX files with onnx-gomlx. One execution
// engine is opened per device and shared by every graph on it.
type ONNXEngine struct {
	mu      sync.Mutex
	engines map[string]backends.Backend
	log     logger.Logger
}

func NewONNXEngine(log logger.Logger) *ONNXEngine {
	return &ONNXEngine{
		engines: make(map[string]backends.Backend),
		log:     logger.Component(log, "onnx"),
	}
}

func (e *ONNXEngine) engine(device string) (backends.Backend, error) {
	device, err := backend.Normalize(device)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.engines[device]; ok {
		return b, nil
	}
	b, name, err := backend.Open(device)
	if err != nil {
		return nil, err
	}
	e.log.Info("execution engine ready", "device", device, "engine", name)
	e.engines[device] = b
	return b, nil
}

// Load stages the artifacts side by side in a scratch directory so the model
// finds its external data by relative name, then parses and compiles it.
func (e *ONNXEngine) Load(ctx context.Context, spec Spec) (Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	engine, err := e.engine(spec.Device)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "prism-graph-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	modelPath, err := stage(dir, spec.Model)
	if err != nil {
		return nil, err
	}
	for _, a := range spec.ExternalData {
		if _, err := stage(dir, a); err != nil {
			return nil, err
		}
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", spec.Model.Name, err)
	}
	vars := mlctx.New()
	if err := om.VariablesToContext(vars); err != nil {
		return nil, fmt.Errorf("load variables of %s: %w", spec.Model.Name, err)
	}

	inputs, shapes := om.Inputs()
	outputs, _ := om.Outputs()
	declared := make([]tensor.DType, len(inputs))
	known := make([]bool, len(inputs))
	for i, s := range shapes {
		declared[i], known[i] = fromDType(s.DType)
	}

	exec, err := mlctx.NewExecAny(engine, vars, func(c *mlctx.Context, nodes []*gg.Node) []*gg.Node {
		feeds := make(map[string]*gg.Node, len(nodes))
		for i, n := range nodes {
			feeds[inputs[i]] = n
		}
		return om.CallGraph(c.Reuse(), nodes[0].Graph(), feeds, outputs...)
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", spec.Model.Name, err)
	}
	e.log.Debug("graph compiled", "graph", spec.Name, "inputs", len(inputs), "outputs", len(outputs))
	return &onnxGraph{
		name:     spec.Name,
		inputs:   inputs,
		outputs:  outputs,
		declared: declared,
		known:    known,
		exec:     exec,
	}, nil
}

// Close releases the execution engines. Graphs must be closed first.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for device, b := range e.engines {
		b.Finalize()
		delete(e.engines, device)
	}
	return nil
}

func stage(dir string, a Artifact) (string, error) {
	target := filepath.Join(dir, filepath.Base(a.Name))
	if a.Path != "" {
		src, err := filepath.Abs(a.Path)
		if err != nil {
			return "", err
		}
		if err := os.Symlink(src, target); err != nil {
			return "", fmt.Errorf("stage %s: %w", a.Name, err)
		}
		return target, nil
	}
	if err := os.WriteFile(target, a.Data, 0o600); err != nil {
		return "", fmt.Errorf("stage %s: %w", a.Name, err)
	}
	return target, nil
}

type onnxGraph struct {
	name     string
	inputs   []string
	outputs  []string
	declared []tensor.DType
	known    []bool

	mu   sync.Mutex
	exec *mlctx.Exec
}

func (g *onnxGraph) Name() string          { return g.name }
func (g *onnxGraph) InputNames() []string  { return slices.Clone(g.inputs) }
func (g *onnxGraph) OutputNames() []string { return slices.Clone(g.outputs) }

// Run feeds inputs in declared order, converting to the declared element
// type. Execution itself is not interruptible; ctx is checked on both sides.
func (g *onnxGraph) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (out map[string]*tensor.Tensor, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exec == nil {
		return nil, fmt.Errorf("graph %s: closed", g.name)
	}

	args := make([]any, len(g.inputs))
	for i, name := range g.inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("graph %s: missing input %q", g.name, name)
		}
		if g.known[i] && t.DType() != g.declared[i] {
			if t, err = t.Convert(g.declared[i]); err != nil {
				return nil, fmt.Errorf("graph %s: input %q: %w", g.name, name, err)
			}
		}
		if args[i], err = toGoMLX(t); err != nil {
			return nil, fmt.Errorf("graph %s: input %q: %w", g.name, name, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph %s: execution failed: %v", g.name, r)
		}
	}()
	results, err := g.exec.Exec(args...)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.name, err)
	}
	out = make(map[string]*tensor.Tensor, len(results))
	for i, r := range results {
		t, err := fromGoMLX(r)
		r.FinalizeAll()
		if err != nil {
			return nil, fmt.Errorf("graph %s: output %q: %w", g.name, g.outputs[i], err)
		}
		out[g.outputs[i]] = t
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *onnxGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exec == nil {
		return nil
	}
	g.exec.Finalize()
	g.exec = nil
	return nil
}

func fromDType(d dtypes.DType) (tensor.DType, bool) {
	switch d {
	case dtypes.Float32:
		return tensor.Float32, true
	case dtypes.Float16:
		return tensor.Float16, true
	case dtypes.Int64:
		return tensor.Int64, true
	case dtypes.Bool:
		return tensor.Bool, true
	default:
		return 0, false
	}
}

func toGoMLX(t *tensor.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape()
	switch data := t.Data().(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []float16.Float16:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data %T", data)
	}
}

func fromGoMLX(t *tensors.Tensor) (*tensor.Tensor, error) {
	dims := slices.Clone(t.Shape().Dimensions)
	var out *tensor.Tensor
	var err error
	t.ConstFlatData(func(flat any) {
		switch v := flat.(type) {
		case []float32:
			out = tensor.FromFloat32(slices.Clone(v), dims...)
		case []float16.Float16:
			out = tensor.FromFloat16(slices.Clone(v), dims...)
		case []int64:
			out = tensor.FromInt64(slices.Clone(v), dims...)
		case []bool:
			out = tensor.FromBool(slices.Clone(v), dims...)
		default:
			err = fmt.Errorf("unsupported dtype %s", t.Shape().DType)
		}
	})
	return out, err
}
