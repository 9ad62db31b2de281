// Package control carries operator lifecycle requests over a redis list so
// extensions can be loaded, unloaded or reloaded on a running bot.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolink/cogbot/extension"
)

// DefaultQueue is the redis list receiving requests.
const DefaultQueue = "cogbot:control"

const replyPrefix = "cogbot:control:reply:"

// ReplyKey is the list a consumer pushes the Reply for request id to.
func ReplyKey(id string) string {
	return replyPrefix + id
}

var (
	// ErrInvalidRequest is returned for a request with an unknown op or bad ids.
	ErrInvalidRequest = errors.New("control: invalid request")
	// ErrNoReply is returned by Await when no reply arrives before ctx ends.
	ErrNoReply = errors.New("control: no reply received")
)

// Request asks the bot to run one batch lifecycle operation.
type Request struct {
	ID          string         `json:"id"`
	Op          extension.Op   `json:"op"`
	IDs         []extension.ID `json:"ids"`
	RequestedBy string         `json:"requested_by,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(op extension.Op, ids []extension.ID, requestedBy string) Request {
	return Request{
		ID:          uuid.NewString(),
		Op:          op,
		IDs:         ids,
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	}
}

// Validate checks the operation and the ids.
func (r Request) Validate() error {
	switch r.Op {
	case extension.OpLoad, extension.OpUnload, extension.OpReload:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, r.Op)
	}
	if len(r.IDs) == 0 {
		return fmt.Errorf("%w: no extension ids", ErrInvalidRequest)
	}
	for _, id := range r.IDs {
		if !id.Valid() {
			return fmt.Errorf("%w: bad extension id %q", ErrInvalidRequest, id)
		}
	}
	return nil
}

// ItemReply is the outcome of one id of a request.
type ItemReply struct {
	ID      extension.ID `json:"id"`
	Outcome string       `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// Reply reports what a request did.
type Reply struct {
	RequestID string      `json:"request_id"`
	Items     []ItemReply `json:"items"`
	Synced    bool        `json:"synced"`
	SyncError string      `json:"sync_error,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func replyFor(requestID string, br extension.BatchResult) Reply {
	rep := Reply{RequestID: requestID, Synced: br.Synced}
	if br.SyncErr != nil {
		rep.SyncError = br.SyncErr.Error()
	}
	for _, r := range br.Results {
		item := ItemReply{ID: r.ID, Outcome: r.Outcome.String()}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		rep.Items = append(rep.Items, item)
	}
	return rep
}

// Executor runs batch lifecycle operations. *extension.Manager implements it.
type Executor interface {
	BatchLoad(ctx context.Context, ids []extension.ID) extension.BatchResult
	BatchUnload(ctx context.Context, ids []extension.ID) extension.BatchResult
	BatchReload(ctx context.Context, ids []extension.ID) extension.BatchResult
}

var _ Executor = (*extension.Manager)(nil)

// Execute runs req on exec.
func Execute(ctx context.Context, exec Executor, req Request) (Reply, error) {
	if err := req.Validate(); err != nil {
		return Reply{RequestID: req.ID, Error: err.Error()}, err
	}

	var br extension.BatchResult
	switch req.Op {
	case extension.OpLoad:
		br = exec.BatchLoad(ctx, req.IDs)
	case extension.OpUnload:
		br = exec.BatchUnload(ctx, req.IDs)
	case extension.OpReload:
		br = exec.BatchReload(ctx, req.IDs)
	}
	return replyFor(req.ID, br), nil
}
