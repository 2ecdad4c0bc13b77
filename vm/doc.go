// Package vm implements a two-tier virtual machine for a small dynamic
// language.
//
// Functions start in a baseline bytecode interpreter that records type
// feedback at every property, index, arithmetic and coercion site. A
// TierManager decides when a function is worth compiling; the
// SpeculativeCompiler turns its feedback into assumptions and emits an
// optimized register form in which each assumption is protected by a
// guard. When a guard fails, or when a call made from optimized code
// invalidates the artifact, the DeoptimizationEngine rebuilds the baseline
// frame and execution continues in the interpreter.
//
// This package contains:
//   - NaN-boxed value representation, strings, objects and shapes
//   - Bytecode, the FunctionBuilder and the baseline interpreter
//   - FeedbackRecord and AssumptionRegistry
//   - GuardedArtifact, the speculative compiler and the optimized executor
//   - TierManager, DeoptimizationEngine and trace recording
package vm
