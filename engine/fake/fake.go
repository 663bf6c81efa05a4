// Package fake implements an in-memory anchor engine for tests and demos. It
// imitates the visible behavior of the cloud SDK: anchor creation is refused
// until the session has seen enough distinct viewpoints, queried anchors
// resolve once frames arrive, and feedback reports session readiness.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/rdk/spatialmath"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
)

// DefaultMinViewpoints is how many distinct camera positions the session must
// observe before anchor creation is accepted.
const DefaultMinViewpoints = 3

// viewpointGridMM quantizes camera positions when counting distinct viewpoints.
const viewpointGridMM = 100.0

// Engine is a fake engine.Engine.
type Engine struct {
	// MinViewpoints overrides DefaultMinViewpoints when positive.
	MinViewpoints int

	mu         sync.Mutex
	handlers   engine.Handlers
	running    bool
	viewpoints map[string]struct{}
	watched    map[string]struct{}
	resolved   map[string]struct{}
	cloud      map[string]spatialmath.Pose
	frameCount int
}

// New returns a stopped fake engine. The fake needs no cloud session
// settings, so there is nothing to configure beyond MinViewpoints.
func New() *Engine {
	return &Engine{
		viewpoints: map[string]struct{}{},
		watched:    map[string]struct{}{},
		resolved:   map[string]struct{}{},
		cloud:      map[string]spatialmath.Pose{},
	}
}

// SetHandlers registers event handlers.
func (e *Engine) SetHandlers(handlers engine.Handlers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = handlers
}

// Start begins the session.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("fake engine already started")
	}
	e.running = true
	return nil
}

func (e *Engine) minViewpoints() int {
	if e.MinViewpoints > 0 {
		return e.MinViewpoints
	}
	return DefaultMinViewpoints
}

// AddFrame feeds one frame into the session. Each frame advances creation
// feedback and may resolve watched anchors.
func (e *Engine) AddFrame(ctx context.Context, frame engine.Frame) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("fake engine not started")
	}
	if frame.CameraPose == nil {
		e.mu.Unlock()
		return errors.New("frame has no camera pose")
	}

	pt := frame.CameraPose.Point()
	key := fmt.Sprintf("%.0f:%.0f:%.0f",
		pt.X/viewpointGridMM, pt.Y/viewpointGridMM, pt.Z/viewpointGridMM)
	e.viewpoints[key] = struct{}{}
	e.frameCount++

	minVP := e.minViewpoints()
	ready := float64(len(e.viewpoints)) / float64(minVP)
	if ready > 1 {
		ready = 1
	}
	recommended := float64(len(e.viewpoints)) / float64(2*minVP)
	if recommended > 1 {
		recommended = 1
	}
	feedback := "keep moving the camera to capture more perspectives"
	if ready >= 1 {
		feedback = "session has enough data to create an anchor"
	}

	var found []struct {
		id   string
		pose spatialmath.Pose
	}
	for id := range e.watched {
		if _, done := e.resolved[id]; done {
			continue
		}
		pose, known := e.cloud[id]
		if !known {
			continue
		}
		e.resolved[id] = struct{}{}
		found = append(found, struct {
			id   string
			pose spatialmath.Pose
		}{id, pose})
	}
	handlers := e.handlers
	e.mu.Unlock()

	if handlers.CreateFeedback != nil {
		handlers.CreateFeedback(ready, recommended, feedback)
	}
	if handlers.AnchorFound != nil {
		for _, f := range found {
			handlers.AnchorFound(f.id, f.pose)
		}
	}
	return nil
}

// CreateAnchor creates an anchor immediately if the session has enough
// spatial data, otherwise rejects synchronously the way the SDK does.
func (e *Engine) CreateAnchor(ctx context.Context, worldPose spatialmath.Pose) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("fake engine not started")
	}
	if len(e.viewpoints) < e.minViewpoints() {
		e.mu.Unlock()
		return errors.Errorf(
			"not enough spatial data in session: %d of %d viewpoints",
			len(e.viewpoints), e.minViewpoints())
	}
	id := uuid.NewString()
	e.cloud[id] = worldPose
	handlers := e.handlers
	e.mu.Unlock()

	if handlers.AnchorCreated != nil {
		handlers.AnchorCreated(true, id, "")
	}
	return nil
}

// QueryAnchors begins watching the given IDs. Resolution happens as frames
// come in.
func (e *Engine) QueryAnchors(ctx context.Context, anchorIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return errors.New("fake engine not started")
	}
	if len(anchorIDs) == 0 {
		return errors.New("no anchor ids given")
	}
	for _, id := range anchorIDs {
		if id == "" {
			return errors.New("empty anchor id")
		}
		e.watched[id] = struct{}{}
	}
	return nil
}

// Reset wipes session state. Anchors already created survive, matching cloud
// persistence.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewpoints = map[string]struct{}{}
	e.watched = map[string]struct{}{}
	e.resolved = map[string]struct{}{}
	e.frameCount = 0
	return nil
}

// Close stops the session.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

// FrameCount reports frames seen since start or the last reset.
func (e *Engine) FrameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameCount
}
