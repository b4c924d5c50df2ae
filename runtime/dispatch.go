package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/t-brandt/kapsel/protocol"
)

// Executor is the primitive set a dispatch table needs. Both runtime
// implementations and the in-sandbox execution server satisfy it.
type Executor interface {
	RunCommand(ctx context.Context, command string, opts RunOpts) (protocol.Observation, error)
	ReadFile(ctx context.Context, path string) (protocol.Observation, error)
	WriteFile(ctx context.Context, path string, content string, encoding string) (protocol.Observation, error)
	EditFile(ctx context.Context, path string, oldString string, newString string) (protocol.Observation, error)
	DeleteFile(ctx context.Context, path string) (protocol.Observation, error)
	CreateDirectory(ctx context.Context, path string) (protocol.Observation, error)
	Search(ctx context.Context, query string, path string, maxResults int) (protocol.Observation, error)
}

type handlerFunc func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error)

// handlers is the single tag→handler table. Adding an ActionType without
// a handler here makes Dispatch return an error Observation, never panic.
var handlers = map[protocol.ActionType]handlerFunc{
	protocol.ActionRun: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.RunCommand(ctx, act.Command, RunOpts{
			Cwd:        act.Cwd,
			Timeout:    time.Duration(act.TimeoutMs) * time.Millisecond,
			Background: act.Background,
		})
	},
	protocol.ActionRead: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.ReadFile(ctx, act.Path)
	},
	protocol.ActionWrite: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.WriteFile(ctx, act.Path, act.Content, act.Encoding)
	},
	protocol.ActionEdit: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.EditFile(ctx, act.Path, act.OldString, act.NewString)
	},
	protocol.ActionDelete: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.DeleteFile(ctx, act.Path)
	},
	protocol.ActionCreateDirectory: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.CreateDirectory(ctx, act.Path)
	},
	protocol.ActionSearch: func(ctx context.Context, ex Executor, act protocol.Action) (protocol.Observation, error) {
		return ex.Search(ctx, act.Query, act.Path, act.MaxResults)
	},
}

// Dispatch executes one Action against an Executor. It is the boundary
// past which nothing throws: handler errors and panics both come back as
// Error Observations with Success=false.
func Dispatch(ctx context.Context, ex Executor, act protocol.Action) (obs protocol.Observation) {
	defer func() {
		if r := recover(); r != nil {
			obs = protocol.NewErrorObservation(fmt.Sprintf("internal error executing %s: %v", act.Type, r))
		}
	}()

	handler, ok := handlers[act.Type]
	if !ok {
		return protocol.NewErrorObservation(fmt.Sprintf("unknown action type: %q", act.Type))
	}

	obs, err := handler(ctx, ex, act)
	if err != nil {
		return protocol.NewErrorObservation(err.Error())
	}
	return obs
}
