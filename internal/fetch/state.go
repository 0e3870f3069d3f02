package fetch

import "github.com/tunnelmesh/meshfetch/internal/bucket"

// ClientState is one step of a fetch. The Getter only schedules and cancels
// it; the state reports its outcome through a GetCompletionCallback.
type ClientState interface {
	Schedule()
	Cancel()
}

// GetCompletionCallback receives the terminal outcome of a ClientState.
// Exactly one of OnSuccess and OnFailure is called per state.
type GetCompletionCallback interface {
	OnSuccess(result *Result, state ClientState)
	OnFailure(err *Error, state ClientState)
	OnBlockSetFinished(state ClientState)
}

// Parent is the request a ClientState works on behalf of.
type Parent interface {
	ID() string
	URI() string
	Priority() Priority
	Token() string
	Blocks() *BlockCounter
	IsCancelled() bool
}

// StateRequest is everything a StateFactory needs to build the first state
// of an attempt.
type StateRequest struct {
	Parent   Parent
	Callback GetCompletionCallback
	URI      string
	Context  *Context
	Archive  *ArchiveContext

	// MaxRetries bounds retries of non-splitfile blocks.
	MaxRetries int

	// ReturnBucket is where the caller wants the data. A state should write
	// into it directly but may ignore it; the Getter then copies.
	ReturnBucket bucket.Bucket
}

// StateFactory creates the initial ClientState for a key. A malformed key
// yields an error wrapping ErrMalformedKey, or an *Error.
type StateFactory interface {
	Create(req *StateRequest) (ClientState, error)
}

// StateFactoryFunc adapts a function to StateFactory.
type StateFactoryFunc func(req *StateRequest) (ClientState, error)

// Create implements StateFactory.
func (f StateFactoryFunc) Create(req *StateRequest) (ClientState, error) {
	return f(req)
}

// Client receives the caller-visible outcome of a Getter, exactly once.
type Client interface {
	OnSuccess(result *Result, g *Getter)
	OnFailure(err *Error, g *Getter)
}
