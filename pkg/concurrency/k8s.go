package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeRuntime aligns GOMAXPROCS with the container CPU quota. Call it
// at the start of main, before sizing the worker pool; under cgroup CPU
// limits the raw core count oversubscribes the pod. The returned function
// restores the original GOMAXPROCS value.
func InitializeRuntime(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Infof))
	if err != nil {
		sugar.Warnf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	logger.Info("Runtime concurrency initialized",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available,
// respecting cgroup limits in containerized environments.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
