// Package preflight checks that a vectorsync server can start with a given
// configuration before it is run.
//
// The package validates:
//   - Write permissions and free disk space in the data directory
//   - File descriptor limits (minimum 1024)
//   - The Unix socket path length
//   - That the checkpoint backend opens and its catalog reads
//   - That the archive store is reachable, when archives are enabled
//   - That the source driver is registered
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(cfg)
//	results := checker.RunAll(ctx)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
