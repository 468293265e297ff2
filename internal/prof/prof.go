// Package prof runs the continuous profiler when configured.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/version"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	BasicAuthUser string
	BasicAuthPass string
	TenantID      string
	Tags          map[string]string

	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether the profiler is running, for the
	// profiling_active gauge.
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

func config(opts Options) pyroscope.Config {
	app := opts.AppName
	if app == "" {
		app = version.AppName
	}
	tags := map[string]string{"version": version.Version}
	for k, v := range opts.Tags {
		tags[k] = v
	}
	return pyroscope.Config{
		ApplicationName:   app,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPass,
		TenantID:          opts.TenantID,
		Tags:              tags,
		ProfileTypes:      profileTypes,
	}
}

// Start returns a stop func that is safe to call even when profiling is
// disabled or failed to start.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := opts.OnActive
	if active == nil {
		active = func(bool) {}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		active(false)
		return func() {}, nil
	}
	if opts.ServerAddress == "" {
		return func() {}, xerrors.New("pyroscope server address is required")
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	cfg := config(opts)
	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		active(false)
		return func() {}, xerrors.Wrapf(err, "start pyroscope (%s)", opts.ServerAddress)
	}
	active(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", cfg.ApplicationName)

	return func() {
		_ = profiler.Stop()
		active(false)
		L.Info(context.Background(), "pyroscope stopped", "app_name", cfg.ApplicationName)
	}, nil
}
