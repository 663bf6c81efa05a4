// Package remote drives the closed-source anchor engine wrapper as a sidecar
// process. The wrapper links the Azure Spatial Anchors SDK and exposes it over
// the generic-component gRPC API; this package speaks that wire and turns
// polled events back into engine.Handlers callbacks.
package remote

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	genericpb "go.viam.com/api/component/generic/v1"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/pexec"
	"go.viam.com/utils/protoutils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
)

const (
	// resourceName is the name the wrapper serves its single resource under.
	resourceName = "anchor_engine"

	dialTimeout             = 5 * time.Second
	defaultPollInterval     = 100 * time.Millisecond
	defaultShutdownDeadline = 2 * time.Second
)

// Options configures how the sidecar is reached.
type Options struct {
	// Address of an already-running wrapper. When empty, Binary must be set
	// and the wrapper is launched on a reserved localhost port.
	Address string
	// Binary is the path of the wrapper executable to launch and manage.
	Binary string
	// PollInterval overrides how often events are polled.
	PollInterval time.Duration
}

// Engine is a gRPC-backed engine.Engine.
type Engine struct {
	cfg    engine.Config
	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	handlers engine.Handlers
	started  bool

	conn    *grpc.ClientConn
	client  genericpb.GenericServiceClient
	process pexec.ProcessManager

	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// New returns an engine that will connect to (or launch) the wrapper on Start.
func New(cfg engine.Config, opts Options, logger logging.Logger) *Engine {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = engine.DefaultMaxQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Engine{cfg: cfg, opts: opts, logger: logger}
}

// SetHandlers registers event handlers; call before Start.
func (e *Engine) SetHandlers(handlers engine.Handlers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = handlers
}

// Start launches the wrapper if needed, connects, opens the cloud session,
// and begins polling for events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("anchor engine already started")
	}

	address := e.opts.Address
	if address == "" {
		if e.opts.Binary == "" {
			return errors.New("anchor engine needs an address or a binary to launch")
		}
		var err error
		address, err = e.startProcess(ctx)
		if err != nil {
			return err
		}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()
	//nolint:staticcheck
	conn, err := grpc.DialContext(dialCtx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		e.stopProcessLocked()
		return errors.Wrapf(err, "connecting to anchor engine at %q", address)
	}
	e.conn = conn
	e.client = genericpb.NewGenericServiceClient(conn)

	if _, err := e.doLocked(ctx, map[string]interface{}{
		"command":        "start_session",
		"account_id":     e.cfg.AccountID,
		"account_key":    e.cfg.AccountKey,
		"account_domain": e.cfg.AccountDomain,
		"max_queue_size": e.cfg.MaxQueueSize,
	}); err != nil {
		goutils.UncheckedErrorFunc(conn.Close)
		e.conn = nil
		e.client = nil
		e.stopProcessLocked()
		return errors.Wrap(err, "starting anchor session")
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	e.cancelFunc = cancelFunc
	e.started = true

	e.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.activeBackgroundWorkers.Done()
		e.pollEvents(cancelCtx)
	})
	return nil
}

// AddFrame forwards one frame to the wrapper.
func (e *Engine) AddFrame(ctx context.Context, frame engine.Frame) error {
	cmd := map[string]interface{}{
		"command":     "add_frame",
		"mime_type":   frame.MimeType,
		"payload":     base64.StdEncoding.EncodeToString(frame.Payload),
		"captured_at": frame.CapturedAt.UTC().Format(time.RFC3339Nano),
		"camera_pose": engine.PoseToMap(frame.CameraPose),
	}
	if frame.Intrinsics != nil {
		cmd["intrinsics"] = map[string]interface{}{
			"width":  frame.Intrinsics.Width,
			"height": frame.Intrinsics.Height,
			"fx":     frame.Intrinsics.Fx,
			"fy":     frame.Intrinsics.Fy,
			"ppx":    frame.Intrinsics.Ppx,
			"ppy":    frame.Intrinsics.Ppy,
		}
	}
	_, err := e.do(ctx, cmd)
	return err
}

// CreateAnchor asks the wrapper to create an anchor at the world pose. A
// rejection reason in the response becomes a synchronous error.
func (e *Engine) CreateAnchor(ctx context.Context, worldPose spatialmath.Pose) error {
	resp, err := e.do(ctx, map[string]interface{}{
		"command": "create_anchor",
		"pose":    engine.PoseToMap(worldPose),
	})
	if err != nil {
		return err
	}
	return rejectionError(resp, "anchor creation")
}

// QueryAnchors starts watchers for the given anchor IDs.
func (e *Engine) QueryAnchors(ctx context.Context, anchorIDs []string) error {
	if len(anchorIDs) == 0 {
		return errors.New("no anchor ids given")
	}
	ids := make([]interface{}, 0, len(anchorIDs))
	for _, id := range anchorIDs {
		if id == "" {
			return errors.New("empty anchor id")
		}
		ids = append(ids, id)
	}
	resp, err := e.do(ctx, map[string]interface{}{
		"command":    "query_anchors",
		"anchor_ids": ids,
	})
	if err != nil {
		return err
	}
	return rejectionError(resp, "anchor query")
}

// Reset wipes the wrapper's session state.
func (e *Engine) Reset(ctx context.Context) error {
	_, err := e.do(ctx, map[string]interface{}{"command": "reset"})
	return err
}

// Close stops polling, closes the session, and tears down the sidecar.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancelFunc := e.cancelFunc
	e.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}
	e.activeBackgroundWorkers.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer stopCancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.doLocked(stopCtx, map[string]interface{}{"command": "stop_session"}); err != nil {
		e.logger.Warnw("error stopping anchor session", "error", err)
	}
	if e.conn != nil {
		goutils.UncheckedErrorFunc(e.conn.Close)
		e.conn = nil
		e.client = nil
	}
	e.stopProcessLocked()
	return nil
}

// do issues one DoCommand round trip.
func (e *Engine) do(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doLocked(ctx, cmd)
}

func (e *Engine) doLocked(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if e.client == nil {
		return nil, errors.New("anchor engine not connected")
	}
	cmdStruct, err := protoutils.StructToStructPb(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.DoCommand(ctx, &commonpb.DoCommandRequest{
		Name:    resourceName,
		Command: cmdStruct,
	})
	if err != nil {
		return nil, err
	}
	return resp.GetResult().AsMap(), nil
}

// pollEvents drains the wrapper's event queue and dispatches callbacks.
func (e *Engine) pollEvents(ctx context.Context) {
	for goutils.SelectContextOrWait(ctx, e.opts.PollInterval) {
		resp, err := e.do(ctx, map[string]interface{}{"command": "poll_events"})
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warnw("error polling anchor engine events", "error", err)
			}
			continue
		}
		rawEvents, _ := resp["events"].([]interface{})
		for _, raw := range rawEvents {
			event, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			e.dispatch(event)
		}
	}
}

func (e *Engine) dispatch(event map[string]interface{}) {
	e.mu.Lock()
	handlers := e.handlers
	e.mu.Unlock()

	eventType, _ := event["type"].(string)
	switch eventType {
	case "anchor_found":
		if handlers.AnchorFound == nil {
			return
		}
		id, _ := event["anchor_id"].(string)
		poseMap, _ := event["pose"].(map[string]interface{})
		pose, err := engine.PoseFromMap(poseMap)
		if err != nil {
			e.logger.Warnw("dropping malformed anchor_found event", "anchor_id", id, "error", err)
			return
		}
		handlers.AnchorFound(id, pose)
	case "anchor_created":
		if handlers.AnchorCreated == nil {
			return
		}
		success, _ := event["success"].(bool)
		id, _ := event["anchor_id"].(string)
		reason, _ := event["failure_reason"].(string)
		handlers.AnchorCreated(success, id, reason)
	case "create_feedback":
		if handlers.CreateFeedback == nil {
			return
		}
		ready, _ := event["ready_for_create_progress"].(float64)
		recommended, _ := event["recommended_for_create_progress"].(float64)
		msg, _ := event["user_feedback"].(string)
		handlers.CreateFeedback(ready, recommended, msg)
	default:
		e.logger.Debugw("ignoring unknown anchor engine event", "type", eventType)
	}
}

// rejectionError converts an {accepted, reason} response into an error.
func rejectionError(resp map[string]interface{}, op string) error {
	if accepted, ok := resp["accepted"].(bool); ok && !accepted {
		reason, _ := resp["reason"].(string)
		if reason == "" {
			reason = "rejected by anchor engine"
		}
		return errors.Errorf("%s rejected: %s", op, reason)
	}
	return nil
}
