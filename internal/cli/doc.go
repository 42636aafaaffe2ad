// Package cli implements the gtransfer command line: one transfer per
// invocation, with the first interrupt pausing the running task so the next
// invocation of the same command resumes it, and the second aborting the
// process.
package cli
