package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rdk/spatialmath"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
)

// DoCommand command names.
const (
	CmdCreateAnchor    = "create_anchor"
	CmdFindAnchor      = "find_anchor"
	CmdReset           = "reset"
	CmdResetCompletely = "reset_completely"
	CmdListAnchors     = "list_anchors"
	CmdStatus          = "status"
)

// DoCommand exposes the anchor lifecycle operations.
func (t *tracker) DoCommand(
	ctx context.Context, cmd map[string]interface{},
) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	switch name {
	case CmdCreateAnchor:
		return t.createAnchor(ctx, cmd)
	case CmdFindAnchor:
		return t.findAnchor(ctx, cmd)
	case CmdReset:
		return t.reset(ctx)
	case CmdResetCompletely:
		return t.resetCompletely(ctx)
	case CmdListAnchors:
		return t.listAnchors()
	case CmdStatus:
		return t.status(), nil
	default:
		return nil, errors.Errorf("unknown command %q", name)
	}
}

// createAnchor requests creation of an anchor. The pose is interpreted in the
// world frame unless target_frame names the camera frame or a tracked anchor
// frame, in which case it is composed into the world frame first.
func (t *tracker) createAnchor(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	poseMap, _ := cmd["pose"].(map[string]interface{})
	anchorInTarget, err := engine.PoseFromMap(poseMap)
	if err != nil {
		return nil, err
	}
	targetFrame, _ := cmd["target_frame"].(string)

	worldPose, err := t.resolveWorldPose(ctx, anchorInTarget, targetFrame)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.pendingCreate = worldPose
	t.mu.Unlock()

	if err := t.eng.CreateAnchor(ctx, worldPose); err != nil {
		return nil, err
	}
	return map[string]interface{}{"accepted": true}, nil
}

func (t *tracker) resolveWorldPose(
	ctx context.Context, anchorInTarget spatialmath.Pose, targetFrame string,
) (spatialmath.Pose, error) {
	if targetFrame == "" || targetFrame == t.worldFrame {
		return anchorInTarget, nil
	}

	if targetFrame == t.cameraFrame {
		t.mu.Lock()
		stamp := t.lastFrameStamp
		t.mu.Unlock()
		if stamp.IsZero() {
			return nil, errors.New("cannot create anchor relative to camera: no frames relayed yet")
		}
		cameraInWorld, err := t.buf.LookupAt(ctx, stamp, t.lookupTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "no pose for target frame %q", targetFrame)
		}
		return spatialmath.Compose(cameraInWorld, anchorInTarget), nil
	}

	t.mu.Lock()
	anchor, ok := t.anchors[targetFrame]
	t.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("target frame %q is neither the camera frame nor a tracked anchor", targetFrame)
	}
	return spatialmath.Compose(anchor.pose, anchorInTarget), nil
}

// findAnchor starts watching for the given anchor IDs. The accepted set is
// remembered so a soft reset can re-query it.
func (t *tracker) findAnchor(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	rawIDs, _ := cmd["anchor_ids"].([]interface{})
	ids := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, ok := raw.(string)
		if !ok || id == "" {
			return nil, errors.New("anchor_ids must be non-empty strings")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no anchor_ids given")
	}

	if err := t.eng.QueryAnchors(ctx, ids); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.lastQuery = ids
	t.mu.Unlock()
	return map[string]interface{}{"accepted": true}, nil
}

// reset is the soft reset: the session restarts and the last accepted query
// set is watched again.
func (t *tracker) reset(ctx context.Context) (map[string]interface{}, error) {
	if err := t.eng.Reset(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	requery := append([]string(nil), t.lastQuery...)
	t.mu.Unlock()

	if len(requery) > 0 {
		if err := t.eng.QueryAnchors(ctx, requery); err != nil {
			return nil, errors.Wrap(err, "re-querying anchors after reset")
		}
	}
	return map[string]interface{}{"accepted": true, "requeried": len(requery)}, nil
}

// resetCompletely is the hard reset: session state, the remembered query set,
// and tracked poses are all dropped.
func (t *tracker) resetCompletely(ctx context.Context) (map[string]interface{}, error) {
	if err := t.eng.Reset(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.lastQuery = nil
	t.anchors = map[string]trackedAnchor{}
	t.mu.Unlock()
	return map[string]interface{}{"accepted": true}, nil
}

func (t *tracker) listAnchors() (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	anchors := map[string]interface{}{}
	for frameName, anchor := range t.anchors {
		anchors[frameName] = map[string]interface{}{
			"anchor_id": anchor.id,
			"pose":      engine.PoseToMap(anchor.pose),
			"found_at":  anchor.foundAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return map[string]interface{}{"anchors": anchors}, nil
}

// status reports session state along with the last found anchor, the last
// creation result, and the latest creation feedback.
func (t *tracker) status() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := map[string]interface{}{
		"session_running":      t.running,
		"tracked_anchor_count": len(t.anchors),
	}

	var newest *trackedAnchor
	for i := range t.anchors {
		anchor := t.anchors[i]
		if newest == nil || anchor.foundAt.After(newest.foundAt) {
			newest = &anchor
		}
	}
	if newest != nil {
		status["found_anchor"] = map[string]interface{}{
			"anchor_id": newest.id,
			"pose":      engine.PoseToMap(newest.pose),
		}
	}
	if t.lastCreated != nil {
		status["created_anchor"] = map[string]interface{}{
			"success":        t.lastCreated.success,
			"anchor_id":      t.lastCreated.anchorID,
			"failure_reason": t.lastCreated.failureReason,
		}
	}
	if t.lastFeedback != nil {
		status["create_anchor_feedback"] = map[string]interface{}{
			"ready_for_create_progress":       t.lastFeedback.readyProgress,
			"recommended_for_create_progress": t.lastFeedback.recommendedProgress,
			"user_feedback":                   t.lastFeedback.userFeedback,
		}
	}
	return status
}
