// Package failure defines the error taxonomy shared by every stage of the
// assembly and pyramid pipeline.
//
// Fatal errors (discovery, store open, configuration) abort a call before any
// work is scheduled. Per-task errors are collected by the pool and surface as
// a single PartialFailure once the stage barrier is reached.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDiscovery      = errors.New("tile discovery failed")
	ErrStoreOpen      = errors.New("array store open failed")
	ErrConfig         = errors.New("invalid configuration")
	ErrTileRead       = errors.New("tile read failed")
	ErrTileWrite      = errors.New("tile write failed")
	ErrPartialFailure = errors.New("stage partially failed")
)

// DiscoveryError reports that no usable tile grid could be resolved.
type DiscoveryError struct {
	Reason string
}

func (e *DiscoveryError) Error() string {
	return "discovery: " + e.Reason
}

func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// Discoveryf builds a DiscoveryError from a format string.
func Discoveryf(format string, args ...any) error {
	return &DiscoveryError{Reason: fmt.Sprintf(format, args...)}
}

// StoreOpenError reports that an array could not be created or opened.
type StoreOpenError struct {
	Location string
	Err      error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("open store %q: %v", e.Location, e.Err)
}

func (e *StoreOpenError) Unwrap() error { return e.Err }

func (e *StoreOpenError) Is(target error) bool { return target == ErrStoreOpen }

// StoreOpen wraps err as a StoreOpenError for location.
func StoreOpen(location string, err error) error {
	if err == nil {
		return nil
	}
	var soe *StoreOpenError
	if errors.As(err, &soe) {
		return err
	}
	return &StoreOpenError{Location: location, Err: err}
}

// ConfigError reports a missing reducer policy, an invalid axis layout or
// another caller supplied setting that cannot be honored.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TaskKind classifies where inside a task an error happened.
type TaskKind string

const (
	KindRead  TaskKind = "read"
	KindWrite TaskKind = "write"
	KindPanic TaskKind = "panic"
	KindOther TaskKind = "other"
)

// TaskError is the failure of one unit of work (one tile or one chunk).
type TaskError struct {
	Stage string
	ID    string
	Kind  TaskKind
	Err   error
}

func (e *TaskError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("task %s (%s): %v", e.ID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s task %s (%s): %v", e.Stage, e.ID, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *TaskError) Is(target error) bool {
	switch e.Kind {
	case KindRead:
		return target == ErrTileRead
	case KindWrite:
		return target == ErrTileWrite
	}
	return false
}

// Read marks err as a read failure of task id.
func Read(id string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{ID: id, Kind: KindRead, Err: err}
}

// Write marks err as a write failure of task id.
func Write(id string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{ID: id, Kind: KindWrite, Err: err}
}

// PartialFailure is returned at a stage barrier when at least one task of the
// stage failed. Regions written by the successful tasks stay in the store.
type PartialFailure struct {
	Stage    string
	Failures []*TaskError
}

func (e *PartialFailure) Error() string {
	ids := e.Failed()
	const shown = 5
	list := ids
	if len(list) > shown {
		list = list[:shown]
	}
	msg := fmt.Sprintf("%s: %d task(s) failed [%s", e.Stage, len(ids), strings.Join(list, ", "))
	if len(ids) > shown {
		msg += ", ..."
	}
	msg += "]"
	if len(e.Failures) > 0 {
		msg += ": first error: " + e.Failures[0].Err.Error()
	}
	return msg
}

func (e *PartialFailure) Is(target error) bool { return target == ErrPartialFailure }

func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Failed returns the sorted IDs of the failed tasks.
func (e *PartialFailure) Failed() []string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ID
	}
	sort.Strings(ids)
	return ids
}
