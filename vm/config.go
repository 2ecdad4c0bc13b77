package vm

// Config holds the tiering knobs of a VM.
type Config struct {
	// InvocationThreshold is the number of baseline invocations after
	// which a function is compiled automatically. 0 disables automatic
	// tiering; explicit requests still work.
	InvocationThreshold int

	// MaxPolymorphism is the number of distinct operand classes a site
	// may see before it becomes megamorphic.
	MaxPolymorphism int

	// FeedbackAllocationThreshold delays feedback vector allocation until
	// a function has been invoked this many times. 0 allocates on the
	// first call.
	FeedbackAllocationThreshold int

	// MaxDeopts disables automatic tiering for a function after this many
	// deoptimizations. 0 means no limit.
	MaxDeopts int

	// MaxBytecodeLength is the largest function the compiler accepts.
	MaxBytecodeLength int

	// MaxCallDepth bounds script recursion.
	MaxCallDepth int

	// RequirePrepare makes OptimizeOnNextCall fail with ErrNotPrepared
	// for functions never passed to PrepareForOptimization.
	RequirePrepare bool

	// Concurrent compiles threshold-triggered functions on a background
	// goroutine. Explicit requests always compile synchronously.
	Concurrent bool

	// TraceCapacity is the number of trace events kept in memory.
	TraceCapacity int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InvocationThreshold:         100,
		MaxPolymorphism:             DefaultMaxPolymorphism,
		FeedbackAllocationThreshold: 0,
		MaxDeopts:                   8,
		MaxBytecodeLength:           DefaultMaxBytecodeLength,
		MaxCallDepth:                512,
		RequirePrepare:              true,
		Concurrent:                  false,
		TraceCapacity:               DefaultTraceCapacity,
	}
}
