package types

import (
	"fmt"
)

// Status defines the evaluation status of a job
type Status int

// Defines job status
const (
	// waiting in the queue
	StatusPending Status = iota

	// picked by the worker, output may still grow
	StatusRunning

	// terminal
	StatusPassed
	StatusFailed
	StatusError
)

var statusToString = []string{
	"Pending",
	"Running",
	"Passed",
	"Failed",
	"Error",
}

// stringToStatus map string to corresponding Status
var stringToStatus = make(map[string]Status)

func (s Status) String() string {
	si := int(s)
	if si < 0 || si >= len(statusToString) {
		return "Invalid"
	}
	return statusToString[si]
}

// Terminal reports whether no further writes may follow this status
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusError
}

// ParseStatus convert string to Status
func ParseStatus(s string) (Status, error) {
	v, ok := stringToStatus[s]
	if !ok {
		return 0, fmt.Errorf("invalid status string: %s", s)
	}
	return v, nil
}

// MarshalText convert status into string
func (s Status) MarshalText() ([]byte, error) {
	si := int(s)
	if si < 0 || si >= len(statusToString) {
		return nil, fmt.Errorf("invalid status: %d", si)
	}
	return []byte(statusToString[si]), nil
}

// UnmarshalText convert string into status
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func init() {
	for i, v := range statusToString {
		stringToStatus[v] = Status(i)
	}
}
