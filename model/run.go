package model

import "time"

// Status is the terminal status of a smoke run or one of its stages.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusSkipped  Status = "skipped"
	StatusWarning  Status = "warning"
)

// Run represents a single smokerun invocation. It is written as run.json into
// every retained run directory.
type Run struct {
	// Unique ID for this run (16 random bytes, hex encoded)
	ID string `json:"id"`
	// Run directory name (relative to the smoke root)
	Name string `json:"name"`
	// Timestamp when the run started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where the command was run (relative to the project root)
	WorkDir string `json:"workdir"`
	// Exit code of the run
	ExitCode int `json:"exit_code"`
	// Terminal status; a watchdog timeout overrides every other outcome
	Status Status `json:"status"`
	// Duration of the run
	Duration time.Duration `json:"duration"`
	// Git information
	Git *Git `json:"git,omitempty"`
	// Resolved backend
	Backend *Backend `json:"backend,omitempty"`
	// Server under test
	Server *Server `json:"server,omitempty"`
	// Stage outcomes in execution order
	Stages []Stage `json:"stages,omitempty"`
	// Artifacts generated during this run
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// Failure message of the first fatal stage
	Error string `json:"error,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
}

// Backend records the resolved backend descriptor.
type Backend struct {
	Kind           string `json:"kind"`
	Accelerator    string `json:"accelerator"`
	Simulated      bool   `json:"simulated,omitempty"`
	RequireReal    bool   `json:"require_real,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
	Command        string `json:"command,omitempty"`
	PID            int    `json:"pid,omitempty"`
}

// Server records the launched server under test.
type Server struct {
	Command string `json:"command,omitempty"`
	URL     string `json:"url,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Stage is the outcome of one orchestrated stage or probe.
type Stage struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypeServerLog ArtifactType = iota
	ArtifactTypeBackendLog
	ArtifactTypeStubCapture
	ArtifactTypeActionResponse
	ArtifactTypeStatusDocument
	ArtifactTypeMetrics
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypeServerLog:
		return "server-log"
	case ArtifactTypeBackendLog:
		return "backend-log"
	case ArtifactTypeStubCapture:
		return "stub-capture"
	case ArtifactTypeActionResponse:
		return "action"
	case ArtifactTypeStatusDocument:
		return "status"
	case ArtifactTypeMetrics:
		return "metrics"
	default:
		return "artifact"
	}
}

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}
