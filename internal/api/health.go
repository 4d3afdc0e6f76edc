package api

import (
	"context"
	"log"
	"time"

	"github.com/hellofresh/health-go/v5"
	"github.com/labstack/echo/v4"
)

type HealthChecker interface {
	HealthCheck() echo.HandlerFunc
}

type healthChecker struct {
	health *health.Health
}

func MustNewHealthChecker(checks ...health.Config) HealthChecker {
	h, err := health.New(health.WithComponent(health.Component{Name: serviceName, Version: serviceVersion}))
	if err != nil {
		log.Fatal("failed to create health checker:", err)
	}

	for _, check := range checks {
		if err := h.Register(check); err != nil {
			log.Fatal("failed to register health check:", err)
		}
	}

	return &healthChecker{
		health: h,
	}
}

func (h *healthChecker) HealthCheck() echo.HandlerFunc {
	return echo.WrapHandler(h.health.Handler())
}

// PingCheck turns a connectivity probe into a critical health check.
func PingCheck(name string, timeout time.Duration, ping func(ctx context.Context) error) health.Config {
	return health.Config{
		Name:      name,
		Timeout:   timeout,
		SkipOnErr: false,
		Check:     health.CheckFunc(ping),
	}
}
