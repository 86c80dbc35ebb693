// Package governance turns matched policies into cached runtime enforcement
// objects ("processors") and applies them to calls.
//
// Each governance kind has a Handler that resolves the policy for a request,
// derives a deterministic cache key, and constructs the processor on first
// use. Processors live in a DisposableMap until a configuration change names
// their key or they sit unused for ten minutes; removal always disposes them.
// In-flight calls keep using a disposed processor, only new lookups build a
// fresh one. The Governor composes the handlers around a call.
package governance
