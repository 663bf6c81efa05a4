// Package engine defines the seam between this module and the closed Azure
// Spatial Anchors SDK. Everything that actually detects, creates, or resolves
// anchors lives on the far side of the Engine interface; this module only
// feeds it frames and reacts to its events.
package engine

import (
	"context"
	"time"

	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
)

// DefaultMaxQueueSize bounds the number of frames an engine implementation
// may hold in flight before dropping the oldest.
const DefaultMaxQueueSize = 50

// Config holds the cloud session settings handed to an engine at start.
type Config struct {
	AccountID     string
	AccountKey    string
	AccountDomain string
	MaxQueueSize  int
}

// A Frame is one camera observation: the encoded image, the intrinsics it was
// captured with, and the world pose of the camera at capture time.
type Frame struct {
	Payload    []byte
	MimeType   string
	Intrinsics *transform.PinholeCameraIntrinsics
	CameraPose spatialmath.Pose
	CapturedAt time.Time
}

// Handlers receives engine events. Any handler may be nil. Handlers are
// invoked from engine-owned goroutines or poll loops and must not block.
type Handlers struct {
	// AnchorFound fires when a watched anchor is located; the pose is the
	// anchor in the world frame.
	AnchorFound func(anchorID string, pose spatialmath.Pose)
	// AnchorCreated fires when an asynchronous anchor creation settles.
	AnchorCreated func(success bool, anchorID, failureReason string)
	// CreateFeedback reports session readiness for anchor creation, both
	// progress values in [0, 1].
	CreateFeedback func(readyProgress, recommendedProgress float64, userFeedback string)
}

// Engine is the anchor-tracking interface. Start must be called before any
// other operation; Close releases the session and any sidecar process.
type Engine interface {
	Start(ctx context.Context) error
	AddFrame(ctx context.Context, frame Frame) error
	// CreateAnchor requests creation of an anchor at the given world pose.
	// A synchronous error means the request was rejected outright (for
	// example, not enough spatial data in the session); otherwise the result
	// arrives through Handlers.AnchorCreated.
	CreateAnchor(ctx context.Context, worldPose spatialmath.Pose) error
	// QueryAnchors begins watching for the given anchor IDs. Located anchors
	// are reported through Handlers.AnchorFound.
	QueryAnchors(ctx context.Context, anchorIDs []string) error
	// Reset wipes the session's accumulated spatial data and stops all
	// watchers. Previously created anchors persist in the cloud.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
	// SetHandlers registers event handlers; call before Start.
	SetHandlers(handlers Handlers)
}

// ValidIntrinsics reports whether intrinsics are plausible enough for the
// engine to use. It does not validate correctness.
func ValidIntrinsics(params *transform.PinholeCameraIntrinsics) bool {
	if params == nil {
		return false
	}
	return params.Fx > 0 && params.Fy > 0 &&
		params.Ppx >= 0 && params.Ppy >= 0 &&
		params.Width > 0 && params.Height > 0
}
