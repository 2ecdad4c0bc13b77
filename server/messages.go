package server

import "time"

// FunctionRequest names a global function.
type FunctionRequest struct {
	Function string `json:"function"`
}

// Empty is the response of procedures that return nothing.
type Empty struct{}

// DeoptimizeResponse reports whether an installed artifact was invalidated.
type DeoptimizeResponse struct {
	Invalidated bool `json:"invalidated"`
}

// StatusRequest asks for a function's tier status.
type StatusRequest struct {
	Function string `json:"function"`
	// Inspect adds the bytecode, feedback and artifact listing.
	Inspect bool `json:"inspect,omitempty"`
}

// StatusResponse describes a function's tier state.
type StatusResponse struct {
	Function    string `json:"function"`
	Status      string `json:"status"`
	Invocations int    `json:"invocations"`
	Compiles    int    `json:"compiles"`
	Deopts      int    `json:"deopts"`
	Bailouts    int    `json:"bailouts"`
	LastDeopt   string `json:"lastDeopt,omitempty"`
	LastBailout string `json:"lastBailout,omitempty"`
	Prepared    bool   `json:"prepared"`
	Armed       bool   `json:"armed"`
	Disabled    bool   `json:"disabled"`
	Inspect     string `json:"inspect,omitempty"`
}

// CallRequest invokes a global function. Arguments are JSON numbers,
// strings, booleans or null; a string "$name" passes the global name and a
// string "#id" passes a handle returned by an earlier call.
type CallRequest struct {
	Function string        `json:"function"`
	Args     []interface{} `json:"args,omitempty"`
}

// CallResponse is the outcome of a call. Script errors are reported in
// Error, not as an RPC failure.
type CallResponse struct {
	// Result renders the returned value.
	Result string `json:"result"`
	// Number is set when the result is a number other than NaN or an
	// infinity.
	Number *float64 `json:"number,omitempty"`
	// Handle references an object or function result.
	Handle string `json:"handle,omitempty"`
	// Status is the function's status after the call.
	Status string       `json:"status"`
	Error  *ScriptError `json:"error,omitempty"`
}

// ScriptError is the wire form of vm.ScriptError.
type ScriptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LoadRequest carries assembler source to install.
type LoadRequest struct {
	Source string `json:"source"`
}

// LoadResponse lists what a program defined. Handles to functions it
// replaced are released.
type LoadResponse struct {
	Functions       []string `json:"functions"`
	Globals         []string `json:"globals"`
	ReleasedHandles int      `json:"releasedHandles,omitempty"`
}

// ReleaseRequest drops a handle returned by Call.
type ReleaseRequest struct {
	Handle string `json:"handle"`
}

// ReleaseResponse reports whether the handle existed.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// TraceRequest selects trace events. Events with Seq <= Since are skipped.
type TraceRequest struct {
	Function string `json:"function,omitempty"`
	Since    uint64 `json:"since,omitempty"`
}

// TraceResponse carries trace events, oldest first.
type TraceResponse struct {
	Events []TraceEvent `json:"events"`
}

// TraceEvent is the wire form of vm.TraceEvent.
type TraceEvent struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Function   string    `json:"function"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DeoptKind  string    `json:"deoptKind,omitempty"`
	PC         int       `json:"pc,omitempty"`
	Assumption string    `json:"assumption,omitempty"`
	ArtifactID string    `json:"artifactId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Text       string    `json:"text"`
}
