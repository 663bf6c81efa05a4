package remote

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/pexec"
)

// startProcess launches the wrapper binary on a reserved localhost port and
// returns the address to dial. Callers hold e.mu.
func (e *Engine) startProcess(ctx context.Context) (string, error) {
	port, err := goutils.TryReserveRandomPort()
	if err != nil {
		return "", errors.Wrap(err, "reserving port for anchor engine")
	}
	address := "localhost:" + strconv.Itoa(port)

	e.process = pexec.NewProcessManager(e.logger)
	if _, err := e.process.AddProcessFromConfig(ctx, pexec.ProcessConfig{
		ID:   "anchor_engine",
		Name: e.opts.Binary,
		Args: []string{
			"--grpc-address=" + address,
			"--resource-name=" + resourceName,
		},
		Log:     true,
		OneShot: false,
	}); err != nil {
		e.process = nil
		return "", errors.Wrap(err, "adding anchor engine process")
	}
	if err := e.process.Start(ctx); err != nil {
		e.process = nil
		return "", errors.Wrap(err, "starting anchor engine process")
	}
	e.logger.Debugw("launched anchor engine", "binary", e.opts.Binary, "address", address)
	return address, nil
}

// stopProcessLocked stops the managed wrapper, if any. Callers hold e.mu.
func (e *Engine) stopProcessLocked() {
	if e.process == nil {
		return
	}
	if err := e.process.Stop(); err != nil {
		e.logger.Warnw("error stopping anchor engine process", "error", err)
	}
	e.process = nil
}
