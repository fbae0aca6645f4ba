package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedJob marks a payload or job name that cannot be decoded, or a
// job whose target does not fit its action. Malformed jobs are acknowledged
// and never retried.
var ErrMalformedJob = errors.New("malformed job")

// ActionKind is the closed set of scheduled actions.
type ActionKind string

const (
	ActionScrimRegistrationStart ActionKind = "scrim_registration_start"
)

// Known reports whether k is an action this build knows about.
func (k ActionKind) Known() bool {
	switch k {
	case ActionScrimRegistrationStart:
		return true
	}
	return false
}

// Job is a scheduled action against a target entity, identified by
// (Action, TargetID). Two jobs with the same identity are still two rows:
// the queue does not deduplicate, handlers make the action idempotent.
type Job struct {
	Action   ActionKind
	TargetID string
}

// Name renders the job as "<action>:<target>", the form used in logs and on
// the command line.
func (j Job) Name() string { return string(j.Action) + ":" + j.TargetID }

func (j Job) String() string { return j.Name() }

// ParseName is the inverse of Name. Action tags never contain a colon, so the
// first colon separates tag from target.
func ParseName(name string) (Job, error) {
	tag, target, ok := strings.Cut(strings.TrimSpace(name), ":")
	if !ok || tag == "" {
		return Job{}, fmt.Errorf("%w: name %q", ErrMalformedJob, name)
	}
	return Job{Action: ActionKind(tag), TargetID: target}, nil
}

const payloadVersion = 1

type wireJob struct {
	V      int    `json:"v"`
	Tag    string `json:"tag"`
	Target string `json:"target"`
}

// Encode renders the versioned payload stored in the queue backend.
func Encode(j Job) ([]byte, error) {
	if j.Action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrMalformedJob)
	}
	if strings.Contains(string(j.Action), ":") {
		return nil, fmt.Errorf("%w: action %q contains ':'", ErrMalformedJob, j.Action)
	}
	return json.Marshal(wireJob{V: payloadVersion, Tag: string(j.Action), Target: j.TargetID})
}

// Decode parses a stored payload. Unknown action tags decode fine; routing
// decides what to do with them.
func Decode(b []byte) (Job, error) {
	var w wireJob
	if err := json.Unmarshal(b, &w); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if w.V != payloadVersion {
		return Job{}, fmt.Errorf("%w: payload version %d", ErrMalformedJob, w.V)
	}
	if w.Tag == "" {
		return Job{}, fmt.Errorf("%w: empty tag", ErrMalformedJob)
	}
	return Job{Action: ActionKind(w.Tag), TargetID: w.Target}, nil
}
