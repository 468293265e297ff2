package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-social/internal/auth"
	"github.com/keithlinneman/linnemanlabs-social/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-social/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/datastore"
	"github.com/keithlinneman/linnemanlabs-social/internal/gateway"
	"github.com/keithlinneman/linnemanlabs-social/internal/graph"
	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-social/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/media"
	"github.com/keithlinneman/linnemanlabs-social/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-social/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-social/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-social/internal/storage"
	"github.com/keithlinneman/linnemanlabs-social/internal/upload"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// drainPeriod gives the load balancer time to see readiness fail.
var drainPeriod = 15 * time.Second

const datastoreCheckInterval = 30 * time.Second

// awsConfig loads the default AWS config at most once, and only when a
// component needs it.
type awsConfig struct {
	once sync.Once
	cfg  aws.Config
	err  error
}

func (a *awsConfig) get(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		a.cfg, a.err = config.LoadDefaultConfig(ctx)
		if a.err != nil {
			a.err = xerrors.Wrap(a.err, "load AWS config")
		}
	})
	return a.cfg, a.err
}

func openStore(ctx context.Context, conf cfg.App, aw *awsConfig) (storage.Store, error) {
	if conf.StorageDriver == "s3" {
		ac, err := aw.get(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewS3(s3.NewFromConfig(ac), conf.StorageS3Bucket, conf.StorageS3Prefix)
	}
	return storage.NewDisk(conf.StorageRoot)
}

func openDatastore(ctx context.Context, conf cfg.App, aw *awsConfig, L log.Logger) (*datastore.DB, error) {
	dc := datastore.Config{
		Driver:        conf.DBDriver,
		Path:          conf.DBPath,
		Host:          conf.DBHost,
		Port:          conf.DBPort,
		User:          conf.DBUser,
		Password:      conf.DBPassword,
		Name:          conf.DBName,
		SSLMode:       conf.DBSSLMode,
		PasswordParam: conf.DBPasswordParam,
		MaxOpenConns:  conf.DBMaxOpenConns,
		Logger:        L,
	}
	if conf.DBPasswordParam != "" {
		ac, err := aw.get(ctx)
		if err != nil {
			return nil, err
		}
		dc.Secrets = ssm.NewFromConfig(ac)
	}
	return datastore.Open(ctx, dc)
}

// tokenVerifier returns nil when no key is configured, which leaves every
// request anonymous.
func tokenVerifier(ctx context.Context, conf cfg.App, aw *awsConfig) (cryptoutil.SignatureVerifier, error) {
	switch {
	case conf.AuthPublicKeyFile != "":
		sv, err := cryptoutil.LoadStaticVerifier(conf.AuthPublicKeyFile)
		if err != nil {
			return nil, err
		}
		return sv, nil
	case conf.AuthKMSKeyARN != "":
		ac, err := aw.get(ctx)
		if err != nil {
			return nil, err
		}
		return cryptoutil.NewKMSVerifier(kms.NewFromConfig(ac), conf.AuthKMSKeyARN), nil
	}
	return nil, nil
}

func uploadOutcome(r upload.Result) string {
	if r.Accepted {
		return "accepted"
	}
	return "rejected_" + string(r.Reason)
}

// watchDatastore keeps the datastore_up gauge current until ctx ends.
func watchDatastore(ctx context.Context, db *datastore.DB, m *metrics.ServerMetrics, L log.Logger) {
	t := time.NewTicker(datastoreCheckInterval)
	defer t.Stop()
	up := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := db.Ping(ctx)
			if (err == nil) != up {
				up = err == nil
				if up {
					L.Info(ctx, "datastore reachable again")
				} else {
					L.Error(ctx, err, "datastore unreachable")
				}
			}
			m.SetDatastoreUp(up)
		}
	}
}

// run wires every component, serves until ctx is cancelled and then
// drains. The datastore and storage are opened before any listener, so a
// failure there returns without ever accepting a connection.
func run(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics) error {
	aw := &awsConfig{}

	store, err := openStore(ctx, conf, aw)
	if err != nil {
		return xerrors.Wrap(err, "open image storage")
	}

	db, err := openDatastore(ctx, conf, aw, L)
	if err != nil {
		m.SetDatastoreUp(false)
		return xerrors.Wrap(err, "open datastore")
	}
	defer db.Close()
	m.SetDatastoreUp(true)

	verifier, err := tokenVerifier(ctx, conf, aw)
	if err != nil {
		return xerrors.Wrap(err, "configure token verifier")
	}
	if verifier == nil {
		L.Warn(ctx, "no token key configured, all requests are anonymous")
	}

	acceptor, err := upload.New(upload.Options{
		Store:         store,
		VerifyContent: conf.UploadVerifyContent,
		Logger:        L,
		OnResult: func(r upload.Result) {
			m.ObserveUpload(uploadOutcome(r), r.Accepted, r.SizeBytes)
		},
	})
	if err != nil {
		return err
	}

	gate := auth.NewGate(auth.GateOptions{
		Verifier:  verifier,
		Logger:    L,
		OnOutcome: func(o auth.Outcome) { m.IncAuthOutcome(string(o)) },
	})

	resolver := media.NewResolver(db.Images(), L)
	resolver.OnRegistered = m.IncImagesRegistered
	engine, err := media.NewEngine(resolver, graph.Options{
		Logger:    L,
		OnExecute: m.ObserveGraphQL,
	})
	if err != nil {
		return xerrors.Wrap(err, "build graphql engine")
	}

	gw, err := gateway.New(gateway.Options{
		Executor: engine,
		Endpoint: httpserver.GraphQLPath,
		Console:  conf.EnableConsole,
		Logger:   L,
	})
	if err != nil {
		return err
	}

	var gateShutdown health.ShutdownGate
	liveness := health.Fixed(true, "")
	readiness := health.All(
		gateShutdown.Probe(),
		health.Named("datastore", db.Probe()),
	)

	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// only the first denial per visitor entry is logged
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	appStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		OnPanic:      m.IncHttpPanic,
		ClientIP:     httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		CORS:         httpmw.CORSOptions{AllowedOrigins: conf.Origins()},
		RateLimitMW:  rateLimitMW,
		MetricsMW:    m.Middleware,
		Liveness:     liveness,
		Readiness:    readiness,
		Images:       storage.NewHandler(store, storage.ImagesBucket),
		MaxBodyBytes: conf.UploadMaxBytes,
		Upload:       acceptor.Middleware,
		Auth:         gate.Middleware,
		GraphQL:      gw,
	})
	if err != nil {
		return err
	}
	defer func() { _ = appStop(context.Background()) }()

	// admin listener: metrics, probes and pprof for internal monitoring only
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Liveness:    liveness,
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		return err
	}
	defer func() { _ = opsStop(context.Background()) }()

	go watchDatastore(ctx, db, m, L)

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gateShutdown.Set("draining")
	L.Info(context.Background(), "readiness failing, draining", "period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.DefaultShutdownTimeout)
	defer cancel()

	var errs []error
	if err := appStop(shutdownCtx); err != nil {
		errs = append(errs, xerrors.Wrap(err, "app http server shutdown"))
	}
	if err := opsStop(shutdownCtx); err != nil {
		errs = append(errs, xerrors.Wrap(err, "ops http server shutdown"))
	}
	return xerrors.Join(errs...)
}
