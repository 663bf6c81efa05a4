// Package tracker implements a pose_tracker component model that bridges a
// camera feed into the Azure Spatial Anchors engine and republishes located
// anchors as poses in the robot's world frame.
package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/posetracker"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/anchorstore"
	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
	enginefake "github.com/chriswsuarez/azure-spatial-anchors-ros/engine/fake"
	engineremote "github.com/chriswsuarez/azure-spatial-anchors-ros/engine/remote"
	"github.com/chriswsuarez/azure-spatial-anchors-ros/posebuffer"
)

// Model is the tracker's model triplet.
var Model = resource.NewModel("viam", "azure-spatial-anchors", "tracker")

const (
	defaultWorldFrame      = "world"
	defaultDataRateMs      = 200
	defaultPoseRateMs      = 50
	defaultLookupTimeoutMs = 100
	defaultAccountDomain   = "mixedreality.azure.com"

	cacheFileName = "anchors.db"
)

func init() {
	resource.RegisterComponent(posetracker.API, Model,
		resource.Registration[posetracker.PoseTracker, *Config]{
			Constructor: newTracker,
		})
}

// Config describes how to configure the tracker.
type Config struct {
	// Camera supplies frames and intrinsics.
	Camera string `json:"camera"`
	// Odometry is a pose_tracker reporting the camera's pose in the world
	// frame (visual-inertial odometry, mocap, or similar).
	Odometry string `json:"odometry"`

	WorldFrame       string `json:"world_frame,omitempty"`
	CameraFrame      string `json:"camera_frame,omitempty"`
	AnchorFrame      string `json:"anchor_frame,omitempty"`
	BroadcastAnchors *bool  `json:"broadcast_anchors,omitempty"`

	DataRateMs      int `json:"data_rate_ms,omitempty"`
	PoseRateMs      int `json:"pose_rate_ms,omitempty"`
	LookupTimeoutMs int `json:"lookup_timeout_ms,omitempty"`

	AccountID     string `json:"account_id,omitempty"`
	AccountKey    string `json:"account_key,omitempty"`
	AccountDomain string `json:"account_domain,omitempty"`

	// AnchorID, when set, is queried as soon as the session starts.
	AnchorID string `json:"anchor_id,omitempty"`
	// QueryLastAnchorFromCache queries the most recently created anchor from
	// the on-disk store instead of requiring an explicit AnchorID.
	QueryLastAnchorFromCache bool   `json:"query_last_anchor_from_cache,omitempty"`
	CachePath                string `json:"cache_path,omitempty"`

	// EngineAddress points at a running anchor engine wrapper; EngineBinary
	// launches one. Exactly one mode is needed unless UseFakeEngine is set.
	EngineAddress string `json:"engine_address,omitempty"`
	EngineBinary  string `json:"engine_binary,omitempty"`
	// UseFakeEngine substitutes the in-memory engine; for demos and tests.
	UseFakeEngine bool `json:"use_fake_engine,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the implicit
// dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Camera == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "camera")
	}
	if cfg.Odometry == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "odometry")
	}
	if !cfg.UseFakeEngine {
		if cfg.EngineAddress == "" && cfg.EngineBinary == "" {
			return nil, nil, errors.Errorf(
				"%s: need engine_address or engine_binary (or use_fake_engine)", path)
		}
		if cfg.AccountID == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "account_id")
		}
		if cfg.AccountKey == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "account_key")
		}
	}
	return []string{cfg.Camera, cfg.Odometry}, nil, nil
}

type trackedAnchor struct {
	id      string
	pose    spatialmath.Pose
	foundAt time.Time
}

type createResult struct {
	success       bool
	anchorID      string
	failureReason string
	at            time.Time
}

type createFeedback struct {
	readyProgress       float64
	recommendedProgress float64
	userFeedback        string
	at                  time.Time
}

type tracker struct {
	resource.Named
	resource.AlwaysRebuild
	logger logging.Logger

	cam   camera.Camera
	odom  posetracker.PoseTracker
	eng   engine.Engine
	store *anchorstore.Store
	buf   *posebuffer.Buffer

	worldFrame    string
	cameraFrame   string
	anchorFrame   string
	broadcast     bool
	dataRate      time.Duration
	poseRate      time.Duration
	lookupTimeout time.Duration

	mu             sync.Mutex
	anchors        map[string]trackedAnchor
	lastQuery      []string
	lastFrameStamp time.Time
	lastCreated    *createResult
	lastFeedback   *createFeedback
	pendingCreate  spatialmath.Pose
	running        bool

	badIntrinsicsOnce sync.Once
	firstFrameOnce    sync.Once

	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

func newTracker(
	ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger,
) (posetracker.PoseTracker, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, cfg.Camera)
	if err != nil {
		return nil, errors.Wrap(err, "getting camera for anchor tracker")
	}
	odom, err := posetracker.FromDependencies(deps, cfg.Odometry)
	if err != nil {
		return nil, errors.Wrap(err, "getting odometry for anchor tracker")
	}

	store, err := anchorstore.Open(cachePath(cfg))
	if err != nil {
		return nil, err
	}

	eng := buildEngine(cfg, logger)
	t, err := newFromParts(ctx, conf.ResourceName(), cfg, cam, odom, eng, store, logger)
	if err != nil {
		goutils.UncheckedErrorFunc(store.Close)
		return nil, err
	}
	return t, nil
}

// newFromParts wires an already-constructed engine and store into a running
// tracker. Split from newTracker so tests can supply their own parts.
func newFromParts(
	ctx context.Context,
	name resource.Name,
	cfg *Config,
	cam camera.Camera,
	odom posetracker.PoseTracker,
	eng engine.Engine,
	store *anchorstore.Store,
	logger logging.Logger,
) (*tracker, error) {
	t := &tracker{
		Named:         name.AsNamed(),
		logger:        logger,
		cam:           cam,
		odom:          odom,
		eng:           eng,
		store:         store,
		buf:           posebuffer.New(0, 0),
		worldFrame:    firstNonEmpty(cfg.WorldFrame, defaultWorldFrame),
		cameraFrame:   firstNonEmpty(cfg.CameraFrame, cfg.Camera),
		anchorFrame:   cfg.AnchorFrame,
		broadcast:     cfg.BroadcastAnchors == nil || *cfg.BroadcastAnchors,
		dataRate:      msOrDefault(cfg.DataRateMs, defaultDataRateMs),
		poseRate:      msOrDefault(cfg.PoseRateMs, defaultPoseRateMs),
		lookupTimeout: msOrDefault(cfg.LookupTimeoutMs, defaultLookupTimeoutMs),
		anchors:       map[string]trackedAnchor{},
	}

	eng.SetHandlers(engine.Handlers{
		AnchorFound:    t.onAnchorFound,
		AnchorCreated:  t.onAnchorCreated,
		CreateFeedback: t.onCreateFeedback,
	})
	if err := eng.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "starting anchor engine")
	}
	t.running = true

	if err := t.startupQuery(ctx, cfg); err != nil {
		t.logger.Warnw("startup anchor query failed", "error", err)
	}

	t.startWorkers()
	return t, nil
}

func buildEngine(cfg *Config, logger logging.Logger) engine.Engine {
	if cfg.UseFakeEngine {
		return enginefake.New()
	}
	engCfg := engine.Config{
		AccountID:     cfg.AccountID,
		AccountKey:    cfg.AccountKey,
		AccountDomain: firstNonEmpty(cfg.AccountDomain, defaultAccountDomain),
		MaxQueueSize:  engine.DefaultMaxQueueSize,
	}
	return engineremote.New(engCfg, engineremote.Options{
		Address: cfg.EngineAddress,
		Binary:  cfg.EngineBinary,
	}, logger)
}

func cachePath(cfg *Config) string {
	if cfg.CachePath != "" {
		return cfg.CachePath
	}
	if dataDir := os.Getenv("VIAM_MODULE_DATA"); dataDir != "" {
		return filepath.Join(dataDir, cacheFileName)
	}
	return filepath.Join(os.TempDir(), cacheFileName)
}

// startupQuery kicks off watching for an anchor configured explicitly or
// remembered in the cache.
func (t *tracker) startupQuery(ctx context.Context, cfg *Config) error {
	anchorID := cfg.AnchorID
	if anchorID == "" && cfg.QueryLastAnchorFromCache {
		cached, err := t.store.LastCreatedID(ctx)
		if err != nil {
			return err
		}
		if cached == "" {
			t.logger.Warn("no cached anchor id to query")
			return nil
		}
		t.logger.Infow("querying cached anchor id", "anchor_id", cached)
		anchorID = cached
	}
	if anchorID == "" {
		return nil
	}
	if err := t.eng.QueryAnchors(ctx, []string{anchorID}); err != nil {
		return err
	}
	t.mu.Lock()
	t.lastQuery = []string{anchorID}
	t.mu.Unlock()
	return nil
}

func (t *tracker) startWorkers() {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	t.cancelFunc = cancelFunc

	t.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer t.activeBackgroundWorkers.Done()
		ticker := time.NewTicker(t.poseRate)
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
				if err := t.relayPoseOnce(cancelCtx); err != nil && cancelCtx.Err() == nil {
					t.logger.Debugw("odometry pose unavailable", "error", err)
				}
			}
		}
	})

	t.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer t.activeBackgroundWorkers.Done()
		ticker := time.NewTicker(t.dataRate)
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
				if err := t.relayFrameOnce(cancelCtx); err != nil && cancelCtx.Err() == nil {
					t.logger.Warnw("dropping camera frame", "error", err)
				}
			}
		}
	})
}

// relayPoseOnce samples the odometry pose tracker into the pose buffer.
func (t *tracker) relayPoseOnce(ctx context.Context) error {
	poses, err := t.odom.Poses(ctx, []string{t.cameraFrame}, nil)
	if err != nil {
		return err
	}
	pif, ok := poses[t.cameraFrame]
	if !ok {
		// Odometry that tracks a single body may report it under its own
		// naming; accept a lone pose.
		if len(poses) != 1 {
			return errors.Errorf("odometry did not report a pose for %q", t.cameraFrame)
		}
		for _, only := range poses {
			pif = only
		}
	}
	if pif == nil || pif.Pose() == nil {
		return errors.New("odometry reported a nil pose")
	}
	t.buf.Add(time.Now(), pif.Pose())
	return nil
}

// relayFrameOnce forwards one camera frame, stamped with the camera's world
// pose at capture time, to the anchor engine.
func (t *tracker) relayFrameOnce(ctx context.Context) error {
	images, meta, err := t.cam.Images(ctx, nil, nil)
	if err != nil {
		return errors.Wrap(err, "getting images from camera")
	}
	if len(images) == 0 {
		return errors.New("camera returned no images")
	}
	img := images[0]
	payload, err := img.Bytes(ctx)
	if err != nil {
		return errors.Wrap(err, "encoding camera frame")
	}

	stamp := meta.CapturedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}

	props, err := t.cam.Properties(ctx)
	if err != nil {
		return errors.Wrap(err, "getting camera properties")
	}
	if !engine.ValidIntrinsics(props.IntrinsicParams) {
		t.badIntrinsicsOnce.Do(func() {
			t.logger.Warn("camera reported invalid intrinsics; anchor creation will fail")
		})
	}

	pose, err := t.buf.LookupAt(ctx, stamp, t.lookupTimeout)
	if err != nil {
		return errors.Wrapf(err, "no %s pose for camera frame %q", t.worldFrame, t.cameraFrame)
	}

	if err := t.eng.AddFrame(ctx, engine.Frame{
		Payload:    payload,
		MimeType:   img.MimeType(),
		Intrinsics: props.IntrinsicParams,
		CameraPose: pose,
		CapturedAt: stamp,
	}); err != nil {
		return errors.Wrap(err, "forwarding frame to anchor engine")
	}

	t.mu.Lock()
	t.lastFrameStamp = stamp
	t.mu.Unlock()
	t.firstFrameOnce.Do(func() {
		t.logger.Info("relayed first frame to anchor engine")
	})
	return nil
}

func (t *tracker) onAnchorFound(anchorID string, pose spatialmath.Pose) {
	frameName := t.anchorFrame
	if frameName == "" {
		frameName = anchorID
	}
	t.mu.Lock()
	t.anchors[frameName] = trackedAnchor{id: anchorID, pose: pose, foundAt: time.Now()}
	t.mu.Unlock()
	t.logger.Infow("found anchor", "anchor_id", anchorID, "frame", frameName)
}

func (t *tracker) onAnchorCreated(success bool, anchorID, failureReason string) {
	if success {
		t.mu.Lock()
		pose := t.pendingCreate
		t.mu.Unlock()
		if pose == nil {
			pose = spatialmath.NewZeroPose()
		}
		if err := t.store.SaveCreated(context.Background(), anchorID, t.worldFrame, pose); err != nil {
			t.logger.Warnw("could not persist created anchor", "anchor_id", anchorID, "error", err)
		}
		t.logger.Infow("created anchor", "anchor_id", anchorID)
	} else {
		t.logger.Warnw("unable to create anchor", "reason", failureReason)
	}

	t.mu.Lock()
	t.lastCreated = &createResult{
		success:       success,
		anchorID:      anchorID,
		failureReason: failureReason,
		at:            time.Now(),
	}
	t.mu.Unlock()
}

func (t *tracker) onCreateFeedback(ready, recommended float64, userFeedback string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFeedback = &createFeedback{
		readyProgress:       ready,
		recommendedProgress: recommended,
		userFeedback:        userFeedback,
		at:                  time.Now(),
	}
}

// Poses reports located anchors as poses in the world frame. An empty
// bodyNames slice reports everything currently tracked. When anchor
// broadcasting is disabled the result is empty, but asking for a frame no
// anchor is tracked under is still an error.
func (t *tracker) Poses(
	ctx context.Context, bodyNames []string, extra map[string]interface{},
) (referenceframe.FrameSystemPoses, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := referenceframe.FrameSystemPoses{}
	if len(bodyNames) == 0 {
		if !t.broadcast {
			return result, nil
		}
		for frameName, anchor := range t.anchors {
			result[frameName] = referenceframe.NewPoseInFrame(t.worldFrame, anchor.pose)
		}
		return result, nil
	}
	for _, frameName := range bodyNames {
		anchor, ok := t.anchors[frameName]
		if !ok {
			return nil, errors.Errorf("no anchor tracked under frame %q", frameName)
		}
		if !t.broadcast {
			continue
		}
		result[frameName] = referenceframe.NewPoseInFrame(t.worldFrame, anchor.pose)
	}
	return result, nil
}

// Close stops the relay loops, the engine, and the anchor store.
func (t *tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.activeBackgroundWorkers.Wait()

	err := t.eng.Close(ctx)
	if storeErr := t.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}
	return err
}

func firstNonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func msOrDefault(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
