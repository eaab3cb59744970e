package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = 8080

	MetricsHost = "0.0.0.0"
	MetricsPort = 7300
)

// Config selects the listen addresses of the side servers.
type Config struct {
	HealthzHost    string
	HealthzPort    int
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int
}

// DefaultConfig serves healthz and metrics on their standard ports.
func DefaultConfig() Config {
	return Config{
		HealthzHost:    HealthzHost,
		HealthzPort:    HealthzPort,
		MetricsEnabled: true,
		MetricsHost:    MetricsHost,
		MetricsPort:    MetricsPort,
	}
}

// Service runs the healthz and metrics HTTP servers next to the engine.
type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg Config
	log log.Logger
}

func New(cfg Config, l log.Logger) *Service {
	if l == nil {
		l = log.Root()
	}
	s := &Service{
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
		cfg:     cfg,
		log:     l.New("component", "service"),
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(s.cfg.HealthzHost, strconv.Itoa(s.cfg.HealthzPort))
		s.log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("error starting healthz server", err)
		}
	}()

	if !s.cfg.MetricsEnabled {
		s.log.Info("metrics server disabled")
	} else {
		go func() {
			addr := net.JoinHostPort(s.cfg.MetricsHost, strconv.Itoa(s.cfg.MetricsPort))
			s.log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	s.log.Info("metrics stopped")

	s.log.Info("service stopped")
}
