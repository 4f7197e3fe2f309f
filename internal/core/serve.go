package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"enrollgate/config"
	"enrollgate/internal/api"
	"enrollgate/internal/archive"
	"enrollgate/internal/events"
	"enrollgate/internal/metrics"
	"enrollgate/internal/pool"
	"enrollgate/internal/registry"
	"enrollgate/internal/session"
	"enrollgate/util"
)

// ServeMode runs the enrollment service: registry, connection pool,
// session manager and the HTTP API.
type ServeMode struct {
	Config  *config.Config
	Metrics *metrics.Collector
	Logger  *util.Logger

	// OnReady, when set, is called with the bound HTTP address once the
	// service accepts requests.
	OnReady func(addr string)
}

// Run starts every component, serves until ctx is cancelled and then
// shuts down in reverse order.  Active sessions are cancelled during
// shutdown.
func (m *ServeMode) Run(ctx context.Context) error {
	cfg := m.Config
	log := m.Logger

	if cfg.Service.LockPath != "" {
		lock := flock.New(cfg.Service.LockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another enrollgate instance holds %s", cfg.Service.LockPath)
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				log.Warn("release lock: %v", err)
			}
		}()
	}

	reg, err := registry.Open(ctx, cfg.Registry.Driver, cfg.Registry.DSN)
	if err != nil {
		return err
	}
	defer closeQuietly(reg, "registry", log)
	log.Verbose("registry: %s", cfg.Registry.Driver)

	var arch session.Archive
	if cfg.Redis.Addr != "" {
		r, err := archive.New(ctx, archive.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		defer closeQuietly(r, "archive", log)
		arch = r
		log.Verbose("archiving finished sessions to redis %s", cfg.Redis.Addr)
	}

	var pub session.Publisher = events.Nop{}
	if cfg.MQTT.Broker != "" {
		mq := events.NewMQTT(events.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log)
		if err := mq.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			log.Warn("%v", err)
		}
		defer closeQuietly(mq, "mqtt", log)
		pub = mq
	}

	dialer, err := BuildDialer(cfg, m.Metrics, log)
	if err != nil {
		return err
	}
	defer closeQuietly(dialer, "dialer", log)
	opener := BuildOpener(cfg, dialer, m.Metrics, log)

	p := pool.New(opener, PoolOptions(cfg, m.Metrics, log))
	sopts := SessionOptions(cfg, m.Metrics, log)
	sopts.Archive = arch
	sopts.Events = pub
	sopts.Recorder = reg
	mgr := session.NewManager(p, sopts)

	h := api.New(api.Deps{
		Sessions:    mgr,
		Registry:    reg,
		Pool:        p,
		Opener:      opener,
		TestTimeout: cfg.Device.TestTimeout.D(),
		DefaultPort: cfg.Device.DefaultPort,
		Secret:      cfg.Device.Secret,
		Metrics:     m.Metrics,
		Logger:      log,
	})

	ln, err := net.Listen("tcp", cfg.Service.Listen)
	if err != nil {
		p.Close()
		return fmt.Errorf("listen %s: %w", cfg.Service.Listen, err)
	}
	srv := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.Run(runCtx) }()
	go func() { defer wg.Done(); mgr.Run(runCtx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	log.Info("enrollgate serving on %s", ln.Addr())
	if m.OnReady != nil {
		m.OnReady(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http: %w", err)
		}
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace.D())
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	stop()
	wg.Wait()

	closeQuietly(mgr, "session manager", log)
	closeQuietly(p, "pool", log)
	return runErr
}
