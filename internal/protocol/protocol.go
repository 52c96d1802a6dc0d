// Package protocol defines the request/response messages exchanged over the
// daemon's unix socket.
//
// A connection carries exactly one request line and one response line, each
// a JSON object terminated by '\n'.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"runlater/internal/task"
)

const (
	// MaxRequestBytes bounds a request line.
	MaxRequestBytes = 1 << 20
	// MaxResponseBytes bounds a response line. Responses carry captured
	// output, so they get more room than requests.
	MaxResponseBytes = 16 << 20
)

// Operations.
const (
	OpSchedule = "schedule"
	OpList     = "list"
	OpCancel   = "cancel"
	OpLogs     = "logs"
	OpHistory  = "history"
	OpInfo     = "info"
	OpShutdown = "shutdown"
)

// Error codes carried in Response.Error.Code.
const (
	CodeProtocol        = "protocol_error"
	CodeNotFound        = "not_found"
	CodeAlreadyFinished = "already_finished"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

var (
	ErrProtocol = errors.New("protocol error")
	ErrTooLarge = errors.New("message exceeds maximum line length")
)

type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Response struct {
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a typed failure returned by the daemon.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is maps wire codes back onto the sentinel errors they were produced from.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return e.Code == CodeProtocol
	case task.ErrNotFound:
		return e.Code == CodeNotFound
	case task.ErrAlreadyFinished:
		return e.Code == CodeAlreadyFinished
	case task.ErrInvalidArgument:
		return e.Code == CodeInvalidArgument
	}
	return false
}

// ---- args / results ----

type ScheduleArgs struct {
	Command      string     `json:"command"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	DelaySeconds *float64   `json:"delay_seconds,omitempty"`
	Dir          string     `json:"dir,omitempty"`
}

// MaxDelay bounds how far ahead a task may be scheduled. It keeps due times
// representable as a time.Duration from now.
const MaxDelay = 100 * 365 * 24 * time.Hour

// Due resolves the absolute due time relative to now.
func (a ScheduleArgs) Due(now time.Time) (time.Time, error) {
	switch {
	case a.DueAt != nil && a.DelaySeconds != nil:
		return time.Time{}, fmt.Errorf("%w: due_at and delay_seconds are exclusive", task.ErrInvalidArgument)
	case a.DueAt != nil:
		if a.DueAt.IsZero() {
			return time.Time{}, fmt.Errorf("%w: due_at is zero", task.ErrInvalidArgument)
		}
		if a.DueAt.Sub(now) > MaxDelay {
			return time.Time{}, fmt.Errorf("%w: due_at is more than %v ahead", task.ErrInvalidArgument, MaxDelay)
		}
		return *a.DueAt, nil
	case a.DelaySeconds != nil:
		secs := *a.DelaySeconds
		switch {
		case math.IsNaN(secs) || secs < 0:
			return time.Time{}, fmt.Errorf("%w: delay_seconds must not be negative", task.ErrInvalidArgument)
		case secs > MaxDelay.Seconds():
			return time.Time{}, fmt.Errorf("%w: delay_seconds exceeds %v", task.ErrInvalidArgument, MaxDelay)
		}
		return now.Add(time.Duration(secs * float64(time.Second))), nil
	default:
		return time.Time{}, fmt.Errorf("%w: due_at or delay_seconds is required", task.ErrInvalidArgument)
	}
}

type TaskIDArgs struct {
	TaskID string `json:"task_id"`
}

type HistoryArgs struct {
	Limit int `json:"limit,omitempty"`
}

type TaskResult struct {
	Task task.Task `json:"task"`
}

type TasksResult struct {
	Tasks []task.Task `json:"tasks"`
}

type CancelResult struct {
	Status string    `json:"status"`
	Task   task.Task `json:"task"`
}

type LogsResult struct {
	TaskID          string        `json:"task_id"`
	Status          task.Status   `json:"status,omitempty"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Logs            task.LogPaths `json:"logs"`
}

type InfoPaths struct {
	Socket     string `json:"socket"`
	PIDFile    string `json:"pid_file"`
	ConfigFile string `json:"config_file,omitempty"`
	StateDir   string `json:"state_dir"`
	Storage    string `json:"storage"`
	LogFile    string `json:"log_file,omitempty"`
	TaskLogDir string `json:"task_log_dir"`
}

type InfoResult struct {
	Status        string     `json:"status"`
	PID           int        `json:"pid"`
	Version       string     `json:"version,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	ActiveCount   int        `json:"active_count"`
	PendingCount  int        `json:"pending_count"`
	RunningCount  int        `json:"running_count"`
	HistoryCount  int        `json:"history_count"`
	HistorySize   int        `json:"history_size"`
	RSSBytes      uint64     `json:"rss_bytes,omitempty"`
	NextDue       *time.Time `json:"next_due,omitempty"`
	StorageDriver string     `json:"storage_driver"`
	MissedPolicy  string     `json:"missed_policy"`
	PprofAddr     string     `json:"pprof_addr,omitempty"`
	Goroutines    int64      `json:"goroutines"`
	TimersWaiting int        `json:"timers_waiting"`
	EventsDropped uint64     `json:"events_dropped,omitempty"`
	Panics        uint64     `json:"panics,omitempty"`
	Paths         InfoPaths  `json:"paths"`
}

type ShutdownResult struct {
	Ack bool `json:"ack"`
}

// ---- construction ----

// NewRequest builds a request with a fresh id. args may be nil.
func NewRequest(op string, args any) (Request, error) {
	req := Request{ID: uuid.NewString(), Op: op}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s args: %w", op, err)
		}
		req.Args = b
	}
	return req, nil
}

// OK builds a success response for req.
func OK(id string, result any) (Response, error) {
	resp := Response{ID: id, OK: true}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Response{}, err
		}
		resp.Result = b
	}
	return resp, nil
}

func Fail(id, code, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// DecodeArgs strictly decodes req.Args into v. Missing args decode as {}.
func DecodeArgs(req Request, v any) error {
	raw := req.Args
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrProtocol, req.Op, err)
	}
	return nil
}

// DecodeResult decodes a successful response's result into v, or returns
// the response's *Error.
func DecodeResult(resp Response, v any) error {
	if !resp.OK {
		if resp.Error == nil {
			return &Error{Code: CodeInternal, Message: "request failed without an error"}
		}
		return resp.Error
	}
	if v == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		return fmt.Errorf("%w: decode result: %v", ErrProtocol, err)
	}
	return nil
}

// ---- framing ----

// WriteMessage writes v as one JSON line of at most limit bytes.
func WriteMessage(w io.Writer, v any, limit int) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if limit > 0 && len(b) >= limit {
		return ErrTooLarge
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ReadLine reads one '\n'-terminated line (the terminator may be missing at
// EOF). Lines longer than limit bytes yield ErrTooLarge.
func ReadLine(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return nil, ErrTooLarge
		}
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return bytes.TrimRight(buf, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// ReadRequest reads and validates one request line.
func ReadRequest(r *bufio.Reader) (Request, error) {
	line, err := ReadLine(r, MaxRequestBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Request{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Request{}, err
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("%w: trailing data after request", ErrProtocol)
	}
	if req.Op == "" {
		return req, fmt.Errorf("%w: missing op", ErrProtocol)
	}
	return req, nil
}

// ReadResponse reads one response line.
func ReadResponse(r *bufio.Reader) (Response, error) {
	line, err := ReadLine(r, MaxResponseBytes)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return resp, nil
}
