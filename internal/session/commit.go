package session

import "context"

// Committer persists/dispatches a transcript when session stop succeeds.
type Committer interface {
	Commit(context.Context, Transcript) error
}

// CommitFunc adapts a function to the Committer interface.
type CommitFunc func(context.Context, Transcript) error

func (f CommitFunc) Commit(ctx context.Context, transcript Transcript) error {
	return f(ctx, transcript)
}
