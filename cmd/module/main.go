// Package main serves the azure-spatial-anchors tracker and status models as
// a modular resource provider.
package main

import (
	"context"

	"go.viam.com/utils"

	"go.viam.com/rdk/components/posetracker"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/statussensor"
	"github.com/chriswsuarez/azure-spatial-anchors-ros/tracker"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("azure-spatial-anchors"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	myMod, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err := myMod.AddModelFromRegistry(ctx, posetracker.API, tracker.Model); err != nil {
		return err
	}
	if err := myMod.AddModelFromRegistry(ctx, sensor.API, statussensor.Model); err != nil {
		return err
	}

	err = myMod.Start(ctx)
	defer myMod.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
