package tracker

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/posetracker"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/anchorstore"
	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
	enginefake "github.com/chriswsuarez/azure-spatial-anchors-ros/engine/fake"
	"github.com/chriswsuarez/azure-spatial-anchors-ros/posebuffer"
)

// stubCamera serves a solid test image with configurable intrinsics.
type stubCamera struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	intrinsics *transform.PinholeCameraIntrinsics
	// capturedAt, when set, stamps every frame; zero means capture time.
	capturedAt time.Time
}

func newStubCamera() *stubCamera {
	return &stubCamera{
		Named: camera.Named("cam").AsNamed(),
		intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 4, Height: 4, Fx: 500, Fy: 500, Ppx: 2, Ppy: 2,
		},
	}
}

func (c *stubCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (c *stubCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (c *stubCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	images, _, err := c.Images(ctx, nil, extra)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	payload, err := images[0].Bytes(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return payload, camera.ImageMetadata{MimeType: images[0].MimeType()}, nil
}

func (c *stubCamera) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	img, err := camera.NamedImageFromImage(
		image.NewGray(image.Rect(0, 0, 4, 4)), "cam", rutils.MimeTypeJPEG)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	stamp := c.capturedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return []camera.NamedImage{img}, resource.ResponseMetadata{CapturedAt: stamp}, nil
}

func (c *stubCamera) NextPointCloud(ctx context.Context) (pointcloud.PointCloud, error) {
	return nil, nil
}

func (c *stubCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{IntrinsicParams: c.intrinsics}, nil
}

// stubOdometry reports a camera pose that shifts on every sample, so the fake
// engine sees multiple viewpoints.
type stubOdometry struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	mu    sync.Mutex
	calls int
}

func newStubOdometry() *stubOdometry {
	return &stubOdometry{Named: posetracker.Named("odom").AsNamed()}
}

func (o *stubOdometry) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (o *stubOdometry) Poses(ctx context.Context, bodyNames []string, extra map[string]interface{}) (referenceframe.FrameSystemPoses, error) {
	o.mu.Lock()
	o.calls++
	x := float64(o.calls) * 500
	o.mu.Unlock()
	return referenceframe.FrameSystemPoses{
		"cam": referenceframe.NewPoseInFrame("world",
			spatialmath.NewPoseFromPoint(r3.Vector{X: x})),
	}, nil
}

func poseAtX(x float64) spatialmath.Pose {
	return spatialmath.NewPoseFromPoint(r3.Vector{X: x})
}

func openTestStore(t *testing.T) *anchorstore.Store {
	t.Helper()
	store, err := anchorstore.Open(filepath.Join(t.TempDir(), "anchors.db"))
	test.That(t, err, test.ShouldBeNil)
	return store
}

// newBareTracker builds a tracker with no background workers for
// deterministic unit tests.
func newBareTracker(t *testing.T, eng engine.Engine) *tracker {
	t.Helper()
	return newBareTrackerWithLogger(t, eng, logging.NewTestLogger(t))
}

func newBareTrackerWithLogger(t *testing.T, eng engine.Engine, logger logging.Logger) *tracker {
	t.Helper()
	tr := &tracker{
		Named:         posetracker.Named("asa").AsNamed(),
		logger:        logger,
		eng:           eng,
		store:         openTestStore(t),
		buf:           posebuffer.New(0, 0),
		worldFrame:    "world",
		cameraFrame:   "cam",
		broadcast:     true,
		lookupTimeout: 50 * time.Millisecond,
		anchors:       map[string]trackedAnchor{},
		running:       true,
	}
	eng.SetHandlers(engine.Handlers{
		AnchorFound:    tr.onAnchorFound,
		AnchorCreated:  tr.onAnchorCreated,
		CreateFeedback: tr.onCreateFeedback,
	})
	t.Cleanup(func() { test.That(t, tr.Close(context.Background()), test.ShouldBeNil) })
	return tr
}

func newFakeEngine(t *testing.T) *enginefake.Engine {
	t.Helper()
	eng := enginefake.New()
	return eng
}

func TestPosesFilteringAndBroadcast(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)

	poseA := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	poseB := spatialmath.NewPoseFromPoint(r3.Vector{Y: 2})
	tr.onAnchorFound("anchor-a", poseA)
	tr.onAnchorFound("anchor-b", poseB)

	all, err := tr.Poses(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, all, test.ShouldHaveLength, 2)
	test.That(t, all["anchor-a"].Parent(), test.ShouldEqual, "world")
	test.That(t, spatialmath.PoseAlmostEqual(all["anchor-a"].Pose(), poseA), test.ShouldBeTrue)

	some, err := tr.Poses(ctx, []string{"anchor-b"}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, some, test.ShouldHaveLength, 1)

	_, err = tr.Poses(ctx, []string{"nope"}, nil)
	test.That(t, err, test.ShouldNotBeNil)

	tr.broadcast = false
	none, err := tr.Poses(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, none, test.ShouldHaveLength, 0)

	// Named lookups stay silent for tracked anchors but still reject
	// unknown frames.
	none, err = tr.Poses(ctx, []string{"anchor-a"}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, none, test.ShouldHaveLength, 0)
	_, err = tr.Poses(ctx, []string{"nope"}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFixedAnchorFrame(t *testing.T) {
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)
	tr.anchorFrame = "asa_anchor"

	tr.onAnchorFound("anchor-a", spatialmath.NewZeroPose())
	tr.onAnchorFound("anchor-b", spatialmath.NewZeroPose())

	all, err := tr.Poses(context.Background(), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, all, test.ShouldHaveLength, 1)
	_, ok := all["asa_anchor"]
	test.That(t, ok, test.ShouldBeTrue)
}

func TestResolveWorldPose(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)

	anchorInTarget := spatialmath.NewPoseFromPoint(r3.Vector{X: 100})

	// World frame (or empty): pose passes through.
	got, err := tr.resolveWorldPose(ctx, anchorInTarget, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got, anchorInTarget), test.ShouldBeTrue)
	got, err = tr.resolveWorldPose(ctx, anchorInTarget, "world")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got, anchorInTarget), test.ShouldBeTrue)

	// Camera frame before any frame relayed: error.
	_, err = tr.resolveWorldPose(ctx, anchorInTarget, "cam")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no frames relayed")

	// Camera frame with a known camera pose: composed.
	stamp := time.Now()
	cameraInWorld := spatialmath.NewPoseFromPoint(r3.Vector{Z: 50})
	tr.buf.Add(stamp, cameraInWorld)
	tr.mu.Lock()
	tr.lastFrameStamp = stamp
	tr.mu.Unlock()
	got, err = tr.resolveWorldPose(ctx, anchorInTarget, "cam")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(
		got, spatialmath.Compose(cameraInWorld, anchorInTarget)), test.ShouldBeTrue)

	// A tracked anchor frame: composed against the anchor pose.
	anchorPose := spatialmath.NewPoseFromPoint(r3.Vector{Y: 7})
	tr.onAnchorFound("anchor-a", anchorPose)
	got, err = tr.resolveWorldPose(ctx, anchorInTarget, "anchor-a")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(
		got, spatialmath.Compose(anchorPose, anchorInTarget)), test.ShouldBeTrue)

	// Anything else: error.
	_, err = tr.resolveWorldPose(ctx, anchorInTarget, "gripper")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDoCommandFindAndResets(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)

	_, err := tr.DoCommand(ctx, map[string]interface{}{"command": CmdFindAnchor})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = tr.DoCommand(ctx, map[string]interface{}{
		"command":    CmdFindAnchor,
		"anchor_ids": []interface{}{"a", 5},
	})
	test.That(t, err, test.ShouldNotBeNil)

	resp, err := tr.DoCommand(ctx, map[string]interface{}{
		"command":    CmdFindAnchor,
		"anchor_ids": []interface{}{"a", "b"},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["accepted"], test.ShouldBeTrue)

	// Soft reset re-queries the remembered set.
	resp, err = tr.DoCommand(ctx, map[string]interface{}{"command": CmdReset})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["requeried"], test.ShouldEqual, 2)

	// Hard reset drops it.
	tr.onAnchorFound("a", spatialmath.NewZeroPose())
	_, err = tr.DoCommand(ctx, map[string]interface{}{"command": CmdResetCompletely})
	test.That(t, err, test.ShouldBeNil)
	poses, err := tr.Poses(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 0)
	resp, err = tr.DoCommand(ctx, map[string]interface{}{"command": CmdReset})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["requeried"], test.ShouldEqual, 0)
}

// flakyQueryEngine fails anchor queries on demand so tests can reach the
// engine-rejection path, which the fake alone never exercises.
type flakyQueryEngine struct {
	*enginefake.Engine

	mu   sync.Mutex
	fail bool
}

func (e *flakyQueryEngine) setFail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

func (e *flakyQueryEngine) QueryAnchors(ctx context.Context, anchorIDs []string) error {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return errors.New("anchor watcher unavailable")
	}
	return e.Engine.QueryAnchors(ctx, anchorIDs)
}

func TestRejectedQueryKeepsRememberedSet(t *testing.T) {
	ctx := context.Background()
	eng := &flakyQueryEngine{Engine: enginefake.New()}
	tr := newBareTracker(t, eng)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)

	_, err := tr.DoCommand(ctx, map[string]interface{}{
		"command":    CmdFindAnchor,
		"anchor_ids": []interface{}{"a", "b"},
	})
	test.That(t, err, test.ShouldBeNil)

	// A rejected query surfaces the engine error and leaves the accepted
	// set untouched.
	eng.setFail(true)
	_, err = tr.DoCommand(ctx, map[string]interface{}{
		"command":    CmdFindAnchor,
		"anchor_ids": []interface{}{"c"},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "anchor watcher unavailable")

	eng.setFail(false)
	resp, err := tr.DoCommand(ctx, map[string]interface{}{"command": CmdReset})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["requeried"], test.ShouldEqual, 2)
}

func TestDoCommandUnknown(t *testing.T) {
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)
	_, err := tr.DoCommand(context.Background(), map[string]interface{}{"command": "launch"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown command")
}

func TestStatusReflectsEvents(t *testing.T) {
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)

	status := tr.status()
	test.That(t, status["session_running"], test.ShouldBeTrue)
	test.That(t, status["tracked_anchor_count"], test.ShouldEqual, 0)
	_, hasFound := status["found_anchor"]
	test.That(t, hasFound, test.ShouldBeFalse)

	tr.onAnchorFound("anchor-a", spatialmath.NewPoseFromPoint(r3.Vector{X: 3}))
	tr.onAnchorCreated(false, "", "not enough spatial data")
	tr.onCreateFeedback(0.4, 0.2, "keep moving")

	status = tr.status()
	test.That(t, status["tracked_anchor_count"], test.ShouldEqual, 1)
	found := status["found_anchor"].(map[string]interface{})
	test.That(t, found["anchor_id"], test.ShouldEqual, "anchor-a")
	created := status["created_anchor"].(map[string]interface{})
	test.That(t, created["success"], test.ShouldBeFalse)
	test.That(t, created["failure_reason"], test.ShouldEqual, "not enough spatial data")
	feedback := status["create_anchor_feedback"].(map[string]interface{})
	test.That(t, feedback["ready_for_create_progress"], test.ShouldEqual, 0.4)
}

func TestCreatedAnchorPersisted(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	tr := newBareTracker(t, eng)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)

	// Give the fake session enough viewpoints, then create through DoCommand.
	for _, x := range []float64{0, 500, 1000} {
		err := eng.AddFrame(ctx, engine.Frame{
			CameraPose: spatialmath.NewPoseFromPoint(r3.Vector{X: x}),
			CapturedAt: time.Now(),
		})
		test.That(t, err, test.ShouldBeNil)
	}

	resp, err := tr.DoCommand(ctx, map[string]interface{}{
		"command": CmdCreateAnchor,
		"pose":    map[string]interface{}{"x": 10.0, "y": 20.0, "z": 30.0},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["accepted"], test.ShouldBeTrue)

	lastID, err := tr.store.LastCreatedID(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lastID, test.ShouldNotEqual, "")

	records, err := tr.store.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
	test.That(t, records[0].Pose.Point(), test.ShouldResemble, r3.Vector{X: 10, Y: 20, Z: 30})
}

// TestInvalidIntrinsicsWarnOnce relays frames from a camera reporting broken
// intrinsics: every frame still reaches the engine, and the warning fires a
// single time.
func TestInvalidIntrinsicsWarnOnce(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	eng := enginefake.New()
	tr := newBareTrackerWithLogger(t, eng, logger)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)

	cam := newStubCamera()
	cam.intrinsics.Fx = 0
	tr.cam = cam

	t0 := time.Now()
	for i := 0; i < 3; i++ {
		stamp := t0.Add(time.Duration(i) * 10 * time.Millisecond)
		cam.capturedAt = stamp
		tr.buf.Add(stamp, poseAtX(float64(i)*500))
		test.That(t, tr.relayFrameOnce(ctx), test.ShouldBeNil)
	}
	test.That(t, eng.FrameCount(), test.ShouldEqual, 3)
	test.That(t, len(logs.FilterMessageSnippet("invalid intrinsics").All()), test.ShouldEqual, 1)
}

// TestFrameDroppedWithoutBracketingPose relays a frame with no usable pose at
// its stamp: the frame never reaches the engine.
func TestFrameDroppedWithoutBracketingPose(t *testing.T) {
	ctx := context.Background()
	eng := enginefake.New()
	tr := newBareTracker(t, eng)
	test.That(t, eng.Start(ctx), test.ShouldBeNil)
	cam := newStubCamera()
	cam.capturedAt = time.Now()
	tr.cam = cam

	// Empty buffer: dropped.
	err := tr.relayFrameOnce(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no world pose")
	test.That(t, eng.FrameCount(), test.ShouldEqual, 0)

	// Only a stale pose far behind the frame stamp: still dropped.
	tr.buf.Add(cam.capturedAt.Add(-time.Minute), poseAtX(1))
	err = tr.relayFrameOnce(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, eng.FrameCount(), test.ShouldEqual, 0)

	// A pose at the stamp: relayed.
	tr.buf.Add(cam.capturedAt, poseAtX(2))
	test.That(t, tr.relayFrameOnce(ctx), test.ShouldBeNil)
	test.That(t, eng.FrameCount(), test.ShouldEqual, 1)
}

// TestEndToEndRelay runs the real worker loops against stub hardware and the
// fake engine: frames flow, an anchor gets created, queried, and found.
func TestEndToEndRelay(t *testing.T) {
	ctx := context.Background()
	eng := enginefake.New()

	cfg := &Config{
		Camera:        "cam",
		Odometry:      "odom",
		DataRateMs:    10,
		PoseRateMs:    5,
		UseFakeEngine: true,
	}
	tr, err := newFromParts(ctx, posetracker.Named("asa"), cfg,
		newStubCamera(), newStubOdometry(), eng, openTestStore(t), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, tr.Close(ctx), test.ShouldBeNil) }()

	waitFor(t, 5*time.Second, func() bool { return eng.FrameCount() >= 3 })

	resp, err := tr.DoCommand(ctx, map[string]interface{}{
		"command": CmdCreateAnchor,
		"pose":    map[string]interface{}{"x": 1.0},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["accepted"], test.ShouldBeTrue)

	lastID, err := tr.store.LastCreatedID(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lastID, test.ShouldNotEqual, "")

	_, err = tr.DoCommand(ctx, map[string]interface{}{
		"command":    CmdFindAnchor,
		"anchor_ids": []interface{}{lastID},
	})
	test.That(t, err, test.ShouldBeNil)

	waitFor(t, 5*time.Second, func() bool {
		poses, err := tr.Poses(ctx, nil, nil)
		return err == nil && len(poses) == 1
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
