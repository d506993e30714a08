// Package analysis ships deterministic, keyword-based implementations of the
// process, research, and write collaborators. They need no external model
// and keep the pipeline runnable end to end; richer collaborators plug in
// through the same pipeline interfaces.
package analysis
