package backend

import (
	"context"

	"github.com/smithers-ai/smithers/internal/node"
)

// Scripted is a deterministic test executor that replays a fixed sequence
// of StreamItems for every call, regardless of request contents.
type Scripted struct {
	Items []StreamItem
	Err   error
	Calls int
}

func (s *Scripted) Execute(ctx context.Context, req Request) (<-chan StreamItem, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	ch := make(chan StreamItem, len(s.Items))
	for _, item := range s.Items {
		ch <- item
	}
	close(ch)
	return ch, nil
}

// FailThenSucceed fails the first n calls with err, then succeeds with the
// given terminal result — used to test the retry policy end to end.
func FailThenSucceed(n int, err error, result node.Result) Executor {
	calls := 0
	return ExecutorFunc(func(ctx context.Context, req Request) (<-chan StreamItem, error) {
		calls++
		if calls <= n {
			return nil, err
		}
		ch := make(chan StreamItem, 1)
		ch <- StreamItem{Result: &result}
		close(ch)
		return ch, nil
	})
}
