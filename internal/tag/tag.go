// Package tag holds compile-time build tags checked by hot paths that would
// otherwise pay for invariant checking in production builds.
package tag

// Debug is true in builds compiled with the debug build tag. Code behind
// tag.Debug is extra bookkeeping (e.g. poisoning freed memory, nilling
// pointers that should never be followed) kept out of the default build.
const Debug = debug
