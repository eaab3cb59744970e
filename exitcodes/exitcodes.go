// Package exitcodes defines the exit codes used by op-harness.
package exitcodes

// Exit code constants used by op-harness:
//
// * Success (0): the run verdict is pass
// * TestFailure (1): at least one test failed, timed out or could not set up
// * RuntimeErr (2): the run could not be performed, e.g. a bad manifest or a fixture cycle
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
)
