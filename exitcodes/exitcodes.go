// Package exitcodes defines the exit codes returned by smokerun.
package exitcodes

// Exit code constants used by smokerun.
//
// * Success (0): every stage and probe passed
// * ProbeFailure (1): a verification probe assertion failed
// * ConfigError (2): invalid configuration, missing binary under a "require real" policy
// * LaunchError (3): a backend or server process could not be built, started or bound
// * ReadinessTimeout (4): a health endpoint never became ready within its budget
// * Timeout (124): the global watchdog deadline expired; overrides every other status
// * Interrupted (130): the run was cancelled by SIGINT or SIGTERM
const (
	Success          = 0
	ProbeFailure     = 1
	ConfigError      = 2
	LaunchError      = 3
	ReadinessTimeout = 4
	Timeout          = 124
	Interrupted      = 130
)
