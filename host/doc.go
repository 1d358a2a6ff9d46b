// Package host is the runtime whose units exitprobe rewrites.
//
// A Runtime resolves unit bytes through a unit.Source, passes them through
// every registered Transformer (the load hook), verifies the result and links
// it into a Class. Methods then run on a small stack interpreter that supports
// message sends, exception handlers declared in the unit, and host natives
// reached through INVOKE_NATIVE. The capture hook used by instrumented code
// is one such native.
package host
