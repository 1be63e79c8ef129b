package types

// Job describes a single evaluation request.
// It is created by the ingester and never modified afterwards.
type Job struct {
	ID      int64
	Owner   string
	WorkDir string // root of the extracted submission
}

// Result contains the final (or intermediate) outcome of a job
type Result struct {
	Status Status
	Output string
	Error  string // empty means no diagnostic
}
