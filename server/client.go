package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// Client calls a control server.
type Client struct {
	prepare    *connect.Client[FunctionRequest, Empty]
	optimize   *connect.Client[FunctionRequest, Empty]
	deoptimize *connect.Client[FunctionRequest, DeoptimizeResponse]
	status     *connect.Client[StatusRequest, StatusResponse]
	call       *connect.Client[CallRequest, CallResponse]
	load       *connect.Client[LoadRequest, LoadResponse]
	trace      *connect.Client[TraceRequest, TraceResponse]
	release    *connect.Client[ReleaseRequest, ReleaseResponse]
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:7460".
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	codec := connect.WithCodec(jsonCodec{})
	return &Client{
		prepare:    connect.NewClient[FunctionRequest, Empty](httpClient, baseURL+PrepareProcedure, codec),
		optimize:   connect.NewClient[FunctionRequest, Empty](httpClient, baseURL+OptimizeOnNextCallProcedure, codec),
		deoptimize: connect.NewClient[FunctionRequest, DeoptimizeResponse](httpClient, baseURL+DeoptimizeProcedure, codec),
		status:     connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, codec),
		call:       connect.NewClient[CallRequest, CallResponse](httpClient, baseURL+CallProcedure, codec),
		load:       connect.NewClient[LoadRequest, LoadResponse](httpClient, baseURL+LoadProcedure, codec),
		trace:      connect.NewClient[TraceRequest, TraceResponse](httpClient, baseURL+TraceProcedure, codec),
		release:    connect.NewClient[ReleaseRequest, ReleaseResponse](httpClient, baseURL+ReleaseProcedure, codec),
	}
}

// Prepare calls PrepareForOptimization on the server.
func (c *Client) Prepare(ctx context.Context, function string) error {
	_, err := c.prepare.CallUnary(ctx, connect.NewRequest(&FunctionRequest{Function: function}))
	return err
}

// OptimizeOnNextCall calls OptimizeOnNextCall on the server.
func (c *Client) OptimizeOnNextCall(ctx context.Context, function string) error {
	_, err := c.optimize.CallUnary(ctx, connect.NewRequest(&FunctionRequest{Function: function}))
	return err
}

// Deoptimize calls DeoptimizeFunction on the server.
func (c *Client) Deoptimize(ctx context.Context, function string) (bool, error) {
	res, err := c.deoptimize.CallUnary(ctx, connect.NewRequest(&FunctionRequest{Function: function}))
	if err != nil {
		return false, err
	}
	return res.Msg.Invalidated, nil
}

// Status returns a function's tier state.
func (c *Client) Status(ctx context.Context, function string, inspect bool) (*StatusResponse, error) {
	res, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{Function: function, Inspect: inspect}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Call invokes a function.
func (c *Client) Call(ctx context.Context, function string, args ...interface{}) (*CallResponse, error) {
	res, err := c.call.CallUnary(ctx, connect.NewRequest(&CallRequest{Function: function, Args: args}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Load installs an assembler program.
func (c *Client) Load(ctx context.Context, source string) (*LoadResponse, error) {
	res, err := c.load.CallUnary(ctx, connect.NewRequest(&LoadRequest{Source: source}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Trace returns events after since, optionally for one function.
func (c *Client) Trace(ctx context.Context, function string, since uint64) ([]TraceEvent, error) {
	res, err := c.trace.CallUnary(ctx, connect.NewRequest(&TraceRequest{Function: function, Since: since}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Events, nil
}

// Release drops a handle returned by Call.
func (c *Client) Release(ctx context.Context, handle string) (bool, error) {
	res, err := c.release.CallUnary(ctx, connect.NewRequest(&ReleaseRequest{Handle: handle}))
	if err != nil {
		return false, err
	}
	return res.Msg.Released, nil
}
