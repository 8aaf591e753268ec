package httpservice

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"sync/atomic"
	"time"

	"github.com/arkade-os/custodyd/internal/config"
	interfaces "github.com/arkade-os/custodyd/internal/interface"
	"github.com/arkade-os/custodyd/internal/telemetry"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultHeartbeatInterval = 15 * time.Second

type Config struct {
	Port uint32
	// AdminPort serves the admin routes on their own listener, 0 keeps them on Port.
	AdminPort         uint32
	NoTLS             bool
	TLSCertFile       string
	TLSKeyFile        string
	EnablePprof       bool
	HeartbeatInterval time.Duration
	// CallerHeader is set by the authenticating gateway in front of the public routes,
	// empty disables caller binding.
	CallerHeader string
}

func (c Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("missing port")
	}
	if c.AdminPort == c.Port {
		return fmt.Errorf("admin port must differ from port")
	}
	if c.NoTLS {
		return nil
	}
	if c.TLSCertFile == "" || c.TLSKeyFile == "" {
		return fmt.Errorf("tls requires both cert and key files")
	}
	for _, path := range []string{c.TLSCertFile, c.TLSKeyFile} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %s: %w", path, err)
		}
	}
	return nil
}

func (c Config) address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) adminAddress() string {
	return fmt.Sprintf(":%d", c.AdminPort)
}

func (c Config) hasAdminPort() bool {
	return c.AdminPort > 0
}

type service struct {
	version      string
	config       Config
	appConfig    *config.Config
	server       *http.Server
	adminServer  *http.Server
	ready        *atomic.Bool
	otelShutdown func(context.Context) error
}

func NewService(
	version string, svcConfig Config, appConfig *config.Config,
) (interfaces.Service, error) {
	if err := svcConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %s", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %s", err)
	}
	if svcConfig.HeartbeatInterval <= 0 {
		svcConfig.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &service{
		version:   version,
		config:    svcConfig,
		appConfig: appConfig,
		ready:     &atomic.Bool{},
	}, nil
}

func (s *service) Start() error {
	if err := s.newServer(); err != nil {
		return err
	}

	s.listen(s.server)
	log.Infof("started listening at %s", s.config.address())
	if s.adminServer != nil {
		s.listen(s.adminServer)
		log.Infof("started admin listening at %s", s.config.adminAddress())
	}

	appSvc, err := s.appConfig.AppService()
	if err != nil {
		return fmt.Errorf("failed to create app service: %w", err)
	}
	if err := appSvc.Start(); err != nil {
		return fmt.Errorf("failed to start app service: %w", err)
	}
	s.ready.Store(true)
	log.Infof("custodyd %s is ready", s.version)
	return nil
}

func (s *service) Stop() {
	if s.ready.CompareAndSwap(true, false) {
		appSvc, _ := s.appConfig.AppService()
		if appSvc != nil {
			appSvc.Stop()
		}
		log.Info("stopped app service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			// nolint:all
			s.server.Close()
		}
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			// nolint:all
			s.adminServer.Close()
		}
	}

	if s.otelShutdown != nil {
		if err := s.otelShutdown(ctx); err != nil {
			log.Errorf("failed to shutdown otel: %s", err)
		}
	}
	log.Info("shutdown service")
}

func (s *service) listen(server *http.Server) {
	go func() {
		var err error
		if s.config.NoTLS {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("server at %s stopped", server.Addr)
		}
	}()
}

func (s *service) newServer() error {
	if s.appConfig.OtelCollectorEndpoint != "" {
		pushInterval := time.Duration(s.appConfig.OtelPushInterval) * time.Second
		otelShutdown, err := telemetry.InitOtelSDK(
			context.Background(), s.appConfig.OtelCollectorEndpoint, pushInterval,
		)
		if err != nil {
			return err
		}
		s.otelShutdown = otelShutdown
	}

	appSvc, err := s.appConfig.AppService()
	if err != nil {
		return fmt.Errorf("failed to create app service: %w", err)
	}
	h := newHandler(appSvc, s.ready, s.config.HeartbeatInterval, s.config.CallerHeader)

	mux := newMux()
	h.healthRoutes(mux)
	h.publicRoutes(mux)

	var adminMux *chi.Mux
	if s.config.hasAdminPort() {
		adminMux = newMux()
		h.healthRoutes(adminMux)
		h.adminRoutes(adminMux)
		if s.config.EnablePprof {
			adminMux.HandleFunc("/debug/pprof/*", pprof.Index)
			adminMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			adminMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			adminMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			adminMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			log.Info("pprof enabled on admin port at /debug/pprof/")
		}
	} else {
		h.adminRoutes(mux)
	}

	s.server = &http.Server{
		Addr:              s.config.address(),
		Handler:           s.instrument(mux, "custodyd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if adminMux != nil {
		s.adminServer = &http.Server{
			Addr:              s.config.adminAddress(),
			Handler:           s.instrument(adminMux, "custodyd-admin"),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

func (s *service) instrument(handler http.Handler, operation string) http.Handler {
	if s.otelShutdown == nil {
		return handler
	}
	return otelhttp.NewHandler(handler, operation)
}
