package extension

import (
	"errors"
	"time"
)

// Outcome classifies the result of one lifecycle item.
type Outcome int

const (
	// Succeeded means the transition happened.
	Succeeded Outcome = iota
	// AlreadyInState covers Load on a loaded id and Unload/Reload on an
	// unloaded one. It is benign.
	AlreadyInState
	// NotFound means no module could be resolved for the id.
	NotFound
	// Failed means the module itself failed; Err is an *OpError.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case AlreadyInState:
		return "already_in_state"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one lifecycle item.
type Result struct {
	Op       Op
	ID       ID
	Outcome  Outcome
	Err      error
	Duration time.Duration

	// Set on single-item calls that performed their own sync.
	Synced  bool
	SyncErr error
}

// Mutated reports whether the registry changed while producing r. A failed
// reload or unload still removed the extension.
func (r Result) Mutated() bool {
	switch r.Outcome {
	case Succeeded:
		return true
	case Failed:
		return r.Op == OpUnload || r.Op == OpReload
	default:
		return false
	}
}

func resultFor(op Op, id ID, err error) Result {
	res := Result{Op: op, ID: id, Err: err}
	switch {
	case err == nil:
		res.Outcome = Succeeded
	case errors.Is(err, ErrAlreadyLoaded), errors.Is(err, ErrNotLoaded):
		res.Outcome = AlreadyInState
	case errors.Is(err, ErrNotFound):
		res.Outcome = NotFound
	default:
		res.Outcome = Failed
	}
	return res
}

// BatchResult aggregates the items of one batch call and its single sync.
type BatchResult struct {
	Op      Op
	Results []Result
	Synced  bool
	SyncErr error
}

// Succeeded returns the ids whose transition happened.
func (b BatchResult) Succeeded() []ID {
	var ids []ID
	for _, r := range b.Results {
		if r.Outcome == Succeeded {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Failed returns the items that did not succeed.
func (b BatchResult) Failed() []Result {
	var out []Result
	for _, r := range b.Results {
		if r.Outcome != Succeeded {
			out = append(out, r)
		}
	}
	return out
}

// Err joins the errors of every item and the sync.
func (b BatchResult) Err() error {
	errs := make([]error, 0, len(b.Results)+1)
	for _, r := range b.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if b.SyncErr != nil {
		errs = append(errs, b.SyncErr)
	}
	return errors.Join(errs...)
}
