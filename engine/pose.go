package engine

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// PoseToMap flattens a pose into the map shape used by DoCommand payloads and
// the sidecar wire: translation in mm plus an orientation vector in degrees.
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	pt := pose.Point()
	ov := pose.Orientation().OrientationVectorDegrees()
	return map[string]interface{}{
		"x":     pt.X,
		"y":     pt.Y,
		"z":     pt.Z,
		"o_x":   ov.OX,
		"o_y":   ov.OY,
		"o_z":   ov.OZ,
		"theta": ov.Theta,
	}
}

// PoseFromMap is the inverse of PoseToMap. Missing orientation fields default
// to the zero orientation; missing translation fields default to zero.
func PoseFromMap(m map[string]interface{}) (spatialmath.Pose, error) {
	if m == nil {
		return nil, errors.New("no pose given")
	}
	get := func(key string) (float64, error) {
		v, ok := m[key]
		if !ok {
			return 0, nil
		}
		f, ok := v.(float64)
		if !ok {
			return 0, errors.Errorf("pose field %q is %T, expected number", key, v)
		}
		return f, nil
	}

	var (
		fields = []string{"x", "y", "z", "o_x", "o_y", "o_z", "theta"}
		vals   = make([]float64, len(fields))
	)
	for i, key := range fields {
		f, err := get(key)
		if err != nil {
			return nil, err
		}
		vals[i] = f
	}

	ov := &spatialmath.OrientationVectorDegrees{OX: vals[3], OY: vals[4], OZ: vals[5], Theta: vals[6]}
	if ov.OX == 0 && ov.OY == 0 && ov.OZ == 0 {
		// An all-zero axis is degenerate; treat it as "no rotation".
		ov.OZ = 1
	}
	return spatialmath.NewPose(r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}, ov), nil
}
