// Package fs abstracts filesystem operations so that the latent record
// store and the artifact writer can be tested with injected faults.
//
// Two implementations are provided:
//
//   - [LocalFS]: production implementation backed by the os package
//   - [FaultyFS]: test utility that injects write/sync/close failures
//
// Production code uses fs.Default (a [LocalFS]):
//
//	f, err := fs.Default.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
//
// Tests wrap a store around a [FaultyFS] to verify that a failed or
// interrupted write never leaves a partially visible record behind.
//
// The interface deliberately has no context.Context parameters: local
// filesystem calls are fast and not interruptible at the syscall level.
// Remote record stores (S3) carry their own context-aware API.
package fs
