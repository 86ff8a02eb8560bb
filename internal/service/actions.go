package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/graph"
	"github.com/and161185/mdmkeeper/internal/metrics"
	"github.com/and161185/mdmkeeper/internal/model"
)

// DefaultActionWorkers bounds concurrent action requests.
const DefaultActionWorkers = 4

// UnknownErrorMessage is reported when a failed response carries no error.message.
const UnknownErrorMessage = "Unknown error occurred"

// ActionTransport sends one management API request. *graph.Client satisfies it.
type ActionTransport interface {
	Send(ctx context.Context, token, method, path string) (int, []byte, error)
}

// DispatchFunc issues one device action and returns the raw response.
// err is non-nil only when no response was received.
type DispatchFunc func(ctx context.Context, token string, kind model.ActionKind, deviceID string) (status int, body []byte, err error)

// Middleware decorates a DispatchFunc (see Retry).
type Middleware func(DispatchFunc) DispatchFunc

// ConfirmFunc is asked once per device, in input order. false skips the device.
type ConfirmFunc func(deviceID string) bool

type endpoint struct {
	method string
	action string // path segment after the device id; empty addresses the device itself
}

var endpoints = [...]endpoint{
	model.ActionSync:   {http.MethodPost, "syncDevice"},
	model.ActionRetire: {http.MethodPost, "retire"},
	model.ActionWipe:   {http.MethodPost, "wipe"},
	model.ActionDelete: {http.MethodDelete, ""},
}

// ActionExecutor applies one action kind to a set of devices.
type ActionExecutor struct {
	dispatch DispatchFunc
	workers  int
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewActionExecutor builds an executor over t. Middlewares wrap the dispatch
// in the given order, the first being outermost.
func NewActionExecutor(t ActionTransport, workers int, log *zap.Logger, m *metrics.Metrics, mws ...Middleware) *ActionExecutor {
	if workers <= 0 {
		workers = DefaultActionWorkers
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := transportDispatch(t)
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return &ActionExecutor{dispatch: d, workers: workers, log: log, metrics: m}
}

func transportDispatch(t ActionTransport) DispatchFunc {
	return func(ctx context.Context, token string, kind model.ActionKind, deviceID string) (int, []byte, error) {
		ep := endpoints[kind]
		return t.Send(ctx, token, ep.method, graph.DevicePath(deviceID, ep.action))
	}
}

type actionJob struct {
	idx      int
	deviceID string
}

// Apply asks confirm for every device in order and dispatches the accepted ones
// to the worker pool. The result holds one outcome per accepted device, in input
// order. On cancellation prompting stops, devices already accepted still get an
// outcome, and the context error is returned alongside the outcomes.
func (e *ActionExecutor) Apply(ctx context.Context, cred model.Credential, kind model.ActionKind, deviceIDs []string, confirm ConfirmFunc) ([]model.ActionOutcome, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown action kind %d", errs.ErrInvalidArgument, int(kind))
	}
	for _, id := range deviceIDs {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty device id", errs.ErrInvalidArgument)
		}
	}
	if len(deviceIDs) == 0 {
		return []model.ActionOutcome{}, nil
	}

	results := make([]*model.ActionOutcome, len(deviceIDs))
	jobs := make(chan actionJob, len(deviceIDs))
	wg := sync.WaitGroup{}

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			o := e.run(ctx, cred, kind, j.deviceID)
			results[j.idx] = &o
		}
	}

	workers := min(e.workers, len(deviceIDs))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	for i, id := range deviceIDs {
		if ctx.Err() != nil {
			break
		}
		if confirm != nil && !confirm(id) {
			e.log.Debug("action declined", zap.String("action", kind.String()), zap.String("device_id", id))
			continue
		}
		// Buffered to len(deviceIDs): never blocks.
		jobs <- actionJob{idx: i, deviceID: id}
	}
	close(jobs)
	wg.Wait()

	out := make([]model.ActionOutcome, 0, len(deviceIDs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, ctx.Err()
}

func (e *ActionExecutor) run(ctx context.Context, cred model.Credential, kind model.ActionKind, deviceID string) model.ActionOutcome {
	var o model.ActionOutcome
	if err := ctx.Err(); err != nil {
		o = model.ActionOutcome{DeviceID: deviceID, Kind: kind, Message: err.Error()}
	} else {
		status, body, err := e.dispatch(ctx, cred.AccessToken, kind, deviceID)
		o = classify(deviceID, kind, status, body, err)
	}

	e.metrics.ObserveAction(kind.String(), o.Success)
	if o.Success {
		e.log.Info("action succeeded",
			zap.String("action", kind.String()),
			zap.String("device_id", deviceID),
			zap.Int("status", o.StatusCode),
		)
	} else {
		e.log.Warn("action failed",
			zap.String("action", kind.String()),
			zap.String("device_id", deviceID),
			zap.Int("status", o.StatusCode),
			zap.String("message", o.Message),
		)
	}
	return o
}

// classify turns a dispatch result into an outcome: 200 and 204 succeed, anything
// else fails with the body's error.message.
func classify(deviceID string, kind model.ActionKind, status int, body []byte, err error) model.ActionOutcome {
	o := model.ActionOutcome{DeviceID: deviceID, Kind: kind, StatusCode: status}
	if err != nil {
		o.Message = err.Error()
		return o
	}
	if status == http.StatusOK || status == http.StatusNoContent {
		o.Success = true
		return o
	}
	o.Message = errorMessage(body)
	return o
}

func errorMessage(body []byte) string {
	var eb struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
		return UnknownErrorMessage
	}
	return eb.Error.Message
}
