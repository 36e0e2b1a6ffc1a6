package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"google.golang.org/grpc"

	"github.com/GriffinCanCode/egm-detector/internal/server"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Run loads references and runs the capture supervisor, the detection loop
// and the API servers until ctx is cancelled. Listener errors are returned
// before anything starts.
func (m *Manager) Run(ctx context.Context) error {
	log := trace.Logger(ctx)

	var httpLn, grpcLn net.Listener
	var err error
	if addr := m.cfg.API.HTTPAddr; addr != "" {
		if httpLn, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen http %s: %w", addr, err)
		}
	}
	if addr := m.cfg.API.GRPCAddr; addr != "" {
		if grpcLn, err = net.Listen("tcp", addr); err != nil {
			if httpLn != nil {
				httpLn.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", addr, err)
		}
	}

	log.Info("loading references", "hasher", m.hasher.Describe())
	for _, st := range m.Rebuild(ctx) {
		log.Info("references loaded", "state", st.State, "images", st.Images, "rois", st.ROIs)
	}

	if m.dispatcher != nil {
		m.dispatcher.Start()
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { m.supervisor.Run(ctx) })
	spawn(func() { m.detector.Run(ctx) })

	var (
		httpServer *http.Server
		grpcServer *grpc.Server
	)
	if httpLn != nil {
		srv := server.New(ctx, server.Deps{
			Detector: m.detector,
			Capture:  m.supervisor,
			Frames:   m.frames,
			Refs:     m.refs,
			History:  m.historyOrNil(),
			Notifier: m.notifierOrNil(),
		})
		httpServer = &http.Server{
			Handler:      srv.Handler(),
			ReadTimeout:  HTTPReadTimeout,
			WriteTimeout: HTTPWriteTimeout,
		}
		spawn(func() {
			log.Info("http server starting", "addr", httpLn.Addr().String())
			if err := httpServer.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", "error", err)
			}
		})
	}
	if grpcLn != nil {
		health := server.NewHealth(m.supervisor)
		grpcServer = server.NewGRPCServer(health)
		spawn(func() { health.Run(ctx, server.HealthPollInterval) })
		spawn(func() {
			log.Info("grpc health server starting", "addr", grpcLn.Addr().String())
			if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc server error", "error", err)
			}
		})
	}

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown error", "error", err)
		}
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			// health Watch streams keep GracefulStop waiting
			grpcServer.Stop()
		}
	}
	wg.Wait()

	if m.dispatcher != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), NotifyDrainTimeout)
		m.dispatcher.Stop(drainCtx)
		drainCancel()
		st := m.dispatcher.Status()
		log.Info("notifier stopped", "delivered", st.Delivered, "dropped", st.Dropped, "failed", st.Failed)
	}

	log.Info("shutdown complete")
	return nil
}

// notifierOrNil keeps a nil *notify.Dispatcher from becoming a non-nil
// interface.
func (m *Manager) notifierOrNil() server.Notifier {
	if m.dispatcher == nil {
		return nil
	}
	return m.dispatcher
}

// historyOrNil keeps a nil *history.Store from becoming a non-nil interface.
func (m *Manager) historyOrNil() server.History {
	if m.history == nil {
		return nil
	}
	return m.history
}
