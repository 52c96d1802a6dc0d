package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"runlater/internal/protocol"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()
	result, err := s.route(ctx, req)
	log := s.log.With(logx.String("req_id", req.ID), logx.String("op", req.Op))
	if err != nil {
		code := errorCode(err)
		if code == protocol.CodeInternal {
			log.Error("request failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		} else {
			log.Debug("request rejected", logx.String("code", code), logx.Err(err))
		}
		return protocol.Fail(req.ID, code, err.Error())
	}
	resp, err := protocol.OK(req.ID, result)
	if err != nil {
		log.Error("encode result failed", logx.Err(err))
		return protocol.Fail(req.ID, protocol.CodeInternal, err.Error())
	}
	log.Debug("request served", logx.Duration("took", time.Since(start)))
	return resp
}

func (s *Server) route(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpSchedule:
		return s.schedule(ctx, req)
	case protocol.OpList:
		if err := protocol.DecodeArgs(req, &struct{}{}); err != nil {
			return nil, err
		}
		tasks, err := s.deps.Store.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.TasksResult{Tasks: nonNil(tasks)}, nil
	case protocol.OpCancel:
		id, err := taskID(req)
		if err != nil {
			return nil, err
		}
		t, err := s.deps.Store.Cancel(ctx, id)
		if err != nil {
			return nil, err
		}
		return protocol.CancelResult{Status: "ok", Task: t}, nil
	case protocol.OpLogs:
		return s.logs(ctx, req)
	case protocol.OpHistory:
		var args protocol.HistoryArgs
		if err := protocol.DecodeArgs(req, &args); err != nil {
			return nil, err
		}
		if args.Limit < 0 {
			return nil, fmt.Errorf("%w: limit must not be negative", task.ErrInvalidArgument)
		}
		if args.Limit == 0 {
			args.Limit = s.cfg.DefaultHistory
		}
		tasks, err := s.deps.Store.History(ctx, args.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.TasksResult{Tasks: nonNil(tasks)}, nil
	case protocol.OpInfo:
		if s.deps.Info == nil {
			return nil, errors.New("info is not available")
		}
		return s.deps.Info(ctx)
	case protocol.OpShutdown:
		if s.deps.Shutdown == nil {
			return nil, errors.New("shutdown is not available")
		}
		s.log.Info("shutdown requested", logx.String("req_id", req.ID))
		return protocol.ShutdownResult{Ack: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", protocol.ErrProtocol, req.Op)
	}
}

func (s *Server) schedule(ctx context.Context, req protocol.Request) (any, error) {
	var args protocol.ScheduleArgs
	if err := protocol.DecodeArgs(req, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", task.ErrInvalidArgument)
	}
	due, err := args.Due(s.deps.Now())
	if err != nil {
		return nil, err
	}
	if args.Dir != "" {
		fi, err := os.Stat(args.Dir)
		if err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: dir %q is not a directory", task.ErrInvalidArgument, args.Dir)
		}
	}
	t, err := s.deps.Store.Create(ctx, args.Command, args.Dir, due)
	if err != nil {
		return nil, err
	}
	return protocol.TaskResult{Task: t}, nil
}

// logs serves output for known tasks, and for ids the store has forgotten
// (evicted from history) as long as their files still exist.
func (s *Server) logs(ctx context.Context, req protocol.Request) (any, error) {
	id, err := taskID(req)
	if err != nil {
		return nil, err
	}
	if s.deps.Logs == nil {
		return nil, errors.New("logs are not available")
	}

	t, err := s.deps.Store.Get(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrNotFound) && s.deps.LogPaths != nil:
		t = task.Task{ID: id, Logs: s.deps.LogPaths(id)}
		if !anyExists(t.Logs.Stdout, t.Logs.Stderr, t.Logs.Exit) {
			return nil, err
		}
	default:
		return nil, err
	}
	return s.deps.Logs(t)
}

func taskID(req protocol.Request) (string, error) {
	var args protocol.TaskIDArgs
	if err := protocol.DecodeArgs(req, &args); err != nil {
		return "", err
	}
	id := strings.TrimSpace(args.TaskID)
	if _, ok := task.ParseID(id); !ok {
		return "", fmt.Errorf("%w: task_id %q is not a task id", task.ErrInvalidArgument, args.TaskID)
	}
	return id, nil
}

// errorCode maps an error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.CodeProtocol
	case errors.Is(err, task.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, task.ErrAlreadyFinished), errors.Is(err, task.ErrIllegalTransition):
		return protocol.CodeAlreadyFinished
	case errors.Is(err, task.ErrInvalidArgument):
		return protocol.CodeInvalidArgument
	default:
		return protocol.CodeInternal
	}
}

func anyExists(paths ...string) bool {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func nonNil(ts []task.Task) []task.Task {
	if ts == nil {
		return []task.Task{}
	}
	return ts
}
