package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"connectrpc.com/connect"

	"github.com/chazu/tiered/compiler"
	"github.com/chazu/tiered/vm"
)

// ControlService implements the tiering control procedures. Every
// operation that touches the VM runs on the worker goroutine.
type ControlService struct {
	worker  *VMWorker
	handles *HandleStore
}

// NewControlService creates a ControlService.
func NewControlService(worker *VMWorker, handles *HandleStore) *ControlService {
	return &ControlService{worker: worker, handles: handles}
}

// lookup resolves a global function on the worker goroutine.
func lookup(v *vm.VM, name string) (*vm.Function, error) {
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("function is required"))
	}
	fn, err := v.FunctionNamed(name)
	if err != nil {
		return nil, toConnectError(err)
	}
	return fn, nil
}

// toConnectError maps VM errors onto connect codes.
func toConnectError(err error) error {
	var ce *connect.Error
	var iv *vm.InvariantViolation
	var ae *compiler.Error
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, vm.ErrUnknownFunction):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrNotAFunction), errors.Is(err, vm.ErrNativeFunction), errors.As(err, &ae):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, vm.ErrNotPrepared):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &iv):
		return connect.NewError(connect.CodeInternal, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// control runs op on the worker for the named function.
func (s *ControlService) control(ctx context.Context, name string, op func(*vm.VM, *vm.Function) error) error {
	_, err := do(ctx, s.worker, func(v *vm.VM) (struct{}, error) {
		fn, err := lookup(v, name)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, op(v, fn)
	})
	if err != nil {
		return toConnectError(err)
	}
	return nil
}

// Prepare allocates a function's feedback and makes it eligible for
// OptimizeOnNextCall.
func (s *ControlService) Prepare(ctx context.Context, req *connect.Request[FunctionRequest]) (*connect.Response[Empty], error) {
	err := s.control(ctx, req.Msg.Function, func(v *vm.VM, fn *vm.Function) error {
		return v.PrepareForOptimization(fn)
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&Empty{}), nil
}

// OptimizeOnNextCall arms compilation for the function's next call.
func (s *ControlService) OptimizeOnNextCall(ctx context.Context, req *connect.Request[FunctionRequest]) (*connect.Response[Empty], error) {
	err := s.control(ctx, req.Msg.Function, func(v *vm.VM, fn *vm.Function) error {
		return v.OptimizeOnNextCall(fn)
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&Empty{}), nil
}

// Deoptimize invalidates the function's installed artifact.
func (s *ControlService) Deoptimize(ctx context.Context, req *connect.Request[FunctionRequest]) (*connect.Response[DeoptimizeResponse], error) {
	var invalidated bool
	err := s.control(ctx, req.Msg.Function, func(v *vm.VM, fn *vm.Function) error {
		if fn.IsNative() {
			return v.DeoptimizeFunction(fn)
		}
		invalidated = v.Tiers().DeoptimizeFunction(fn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&DeoptimizeResponse{Invalidated: invalidated}), nil
}

// Status reports the function's tier state.
func (s *ControlService) Status(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	res, err := do(ctx, s.worker, func(v *vm.VM) (*StatusResponse, error) {
		fn, err := lookup(v, req.Msg.Function)
		if err != nil {
			return nil, err
		}
		out := &StatusResponse{Function: fn.Name, Status: v.Status(fn).String()}
		for _, fs := range v.Tiers().Stats().Functions {
			if fs.Function != fn.Name {
				continue
			}
			out.Invocations = fs.Invocations
			out.Compiles = fs.Compiles
			out.Deopts = fs.Deopts
			out.Bailouts = fs.Bailouts
			out.LastBailout = fs.LastBailout
			out.Prepared = fs.Prepared
			out.Armed = fs.Armed
			out.Disabled = fs.Disabled
			if fs.LastDeopt != vm.DeoptNone {
				out.LastDeopt = fs.LastDeopt.String()
			}
		}
		if req.Msg.Inspect && !fn.IsNative() {
			out.Inspect = v.Inspect(fn)
		}
		return out, nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

// Call invokes a global function.
func (s *ControlService) Call(ctx context.Context, req *connect.Request[CallRequest]) (*connect.Response[CallResponse], error) {
	res, err := do(ctx, s.worker, func(v *vm.VM) (*CallResponse, error) {
		fn, err := lookup(v, req.Msg.Function)
		if err != nil {
			return nil, err
		}
		args := make([]vm.Value, len(req.Msg.Args))
		for i, a := range req.Msg.Args {
			if args[i], err = s.argument(v, a); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %d: %w", i, err))
			}
		}

		result, err := v.CallFunction(fn, vm.Undefined, args)
		out := &CallResponse{Status: v.Status(fn).String()}
		if err != nil {
			var se *vm.ScriptError
			if !errors.As(err, &se) {
				return nil, err
			}
			out.Error = &ScriptError{Code: string(se.Code), Message: se.Message}
			return out, nil
		}
		out.Result = v.Registry().Describe(result)
		if result.IsNumber() {
			if n := result.Number(); !math.IsNaN(n) && !math.IsInf(n, 0) {
				out.Number = &n
			}
		}
		if result.IsObject() || result.IsFunction() {
			out.Handle = s.handles.Create(result, fn.Name)
		}
		return out, nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

// argument converts a decoded JSON argument into a script value.
func (s *ControlService) argument(v *vm.VM, a interface{}) (vm.Value, error) {
	switch a := a.(type) {
	case nil:
		return vm.Null, nil
	case bool:
		return vm.FromBool(a), nil
	case float64:
		return vm.FromFloat(a), nil
	case string:
		if name, ok := strings.CutPrefix(a, "$"); ok && name != "" {
			g, bound := v.Global(name)
			if !bound {
				return vm.Undefined, fmt.Errorf("%s is not defined", name)
			}
			return g, nil
		}
		if id, ok := strings.CutPrefix(a, "#"); ok && id != "" {
			h, found := s.handles.Lookup(id)
			if !found {
				return vm.Undefined, fmt.Errorf("handle %q not found", id)
			}
			return h, nil
		}
		return v.Registry().NewString(a), nil
	}
	return vm.Undefined, fmt.Errorf("unsupported argument type %T", a)
}

// Load assembles a program and installs its globals and functions.
// Redefining a function makes the old one unreachable by name; its tier
// state is dropped.
func (s *ControlService) Load(ctx context.Context, req *connect.Request[LoadRequest]) (*connect.Response[LoadResponse], error) {
	if strings.TrimSpace(req.Msg.Source) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("source is required"))
	}
	res, err := do(ctx, s.worker, func(v *vm.VM) (*LoadResponse, error) {
		prog, err := compiler.Assemble(v.Registry(), req.Msg.Source)
		if err != nil {
			return nil, err
		}
		out := &LoadResponse{Functions: []string{}, Globals: []string{}}
		for _, fn := range prog.Functions {
			if oldValue, ok := v.Global(fn.Name); ok {
				if old, err := v.FunctionOf(oldValue); err == nil && !old.IsNative() {
					v.Tiers().Forget(old)
					out.ReleasedHandles += s.handles.ReleaseValue(oldValue)
				}
			}
			out.Functions = append(out.Functions, fn.Name)
		}
		for _, g := range prog.Globals {
			out.Globals = append(out.Globals, g.Name)
		}
		prog.Install(v)
		return out, nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

// Release drops a call-result handle. The store is safe for concurrent
// use, so this does not go through the worker.
func (s *ControlService) Release(ctx context.Context, req *connect.Request[ReleaseRequest]) (*connect.Response[ReleaseResponse], error) {
	id := strings.TrimPrefix(req.Msg.Handle, "#")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("handle is required"))
	}
	return connect.NewResponse(&ReleaseResponse{Released: s.handles.Release(id)}), nil
}

// Trace returns buffered trace events. The recorder is safe for
// concurrent use, so this does not go through the worker.
func (s *ControlService) Trace(ctx context.Context, req *connect.Request[TraceRequest]) (*connect.Response[TraceResponse], error) {
	trace := s.worker.VM().Trace()
	events := trace.Events()
	if req.Msg.Function != "" {
		events = trace.EventsFor(req.Msg.Function)
	}
	out := &TraceResponse{Events: []TraceEvent{}}
	for _, ev := range events {
		if ev.Seq <= req.Msg.Since {
			continue
		}
		out.Events = append(out.Events, wireEvent(ev))
	}
	return connect.NewResponse(out), nil
}

func wireEvent(ev vm.TraceEvent) TraceEvent {
	w := TraceEvent{
		Seq:        ev.Seq,
		Time:       ev.Time,
		Kind:       string(ev.Kind),
		Function:   ev.Function,
		Reason:     ev.Reason,
		DeoptKind:  ev.DeoptKind,
		PC:         ev.PC,
		Assumption: ev.Assumption,
		ArtifactID: ev.ArtifactID,
		Detail:     ev.Detail,
		Text:       ev.String(),
	}
	if ev.Kind == vm.TraceStatus {
		w.From, w.To = ev.From.String(), ev.To.String()
	}
	return w
}
