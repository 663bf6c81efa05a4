// Package statussensor implements a sensor model that reports the anchor
// tracker's session status as readings, so it can be surfaced on dashboards
// and captured by data management without custom commands.
package statussensor

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// Model is the status sensor's model triplet.
var Model = resource.NewModel("viam", "azure-spatial-anchors", "status")

func init() {
	resource.RegisterComponent(sensor.API, Model,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: newSensor,
		})
}

// Config names the anchor tracker to report on.
type Config struct {
	Tracker string `json:"tracker"`
}

// Validate ensures all parts of the config are valid and returns the implicit
// dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Tracker == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "tracker")
	}
	return []string{cfg.Tracker}, nil, nil
}

type statusSensor struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger  logging.Logger
	tracker resource.Resource
}

func newSensor(
	ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger,
) (sensor.Sensor, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	tracker, err := lookupByShortName(deps, cfg.Tracker)
	if err != nil {
		return nil, err
	}
	return &statusSensor{
		Named:   conf.ResourceName().AsNamed(),
		logger:  logger,
		tracker: tracker,
	}, nil
}

// lookupByShortName scans the dependencies for a resource whose short name
// matches, regardless of API. The tracker is a pose_tracker, but the sensor
// only needs its DoCommand surface.
func lookupByShortName(deps resource.Dependencies, name string) (resource.Resource, error) {
	for resName, res := range deps {
		if resName.ShortName() == name {
			return res, nil
		}
	}
	return nil, errors.Errorf("no tracker named %q among dependencies", name)
}

// Readings reports the tracker's status command result verbatim.
func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	status, err := s.tracker.DoCommand(ctx, map[string]interface{}{"command": "status"})
	if err != nil {
		return nil, errors.Wrap(err, "querying anchor tracker status")
	}
	return status, nil
}

// DoCommand forwards to the underlying tracker so anchor operations can be
// reached through the sensor as well.
func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return s.tracker.DoCommand(ctx, cmd)
}
