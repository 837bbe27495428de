package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/typedmq/health"
	"github.com/labstack/echo/v4"
)

type healthRequest struct {
	queues   []string
	maxDepth int
	listen   string
	timeout  time.Duration
}

type brokerProbe interface {
	health.Connection
	health.QueueInspector
}

func newHealthRegistry(probe brokerProbe, req healthRequest) *health.Registry {
	reg := health.NewRegistry()
	reg.Register(health.NewBrokerChecker(probe))
	for _, q := range req.queues {
		reg.Register(health.NewQueueChecker(q, probe, req.maxDepth))
	}
	return reg
}

// printReport writes the report and fails when it is unhealthy
func printReport(ctx context.Context, reg *health.Registry, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := reg.Check(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Status == health.StatusUnhealthy {
		return fmt.Errorf("broker is %s", report.Status)
	}
	return nil
}

// serveHealth serves GET /healthz until ctx is done
func serveHealth(ctx context.Context, reg *health.Registry, req healthRequest, logger *slog.Logger) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", health.Handler(reg, req.timeout))

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(req.listen)
	}()
	logger.Info("serving health checks", "address", req.listen)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
