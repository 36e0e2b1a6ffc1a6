// egmd watches an EGM video stream and reports which screen is showing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/config"
	"github.com/GriffinCanCode/egm-detector/internal/detector"
	"github.com/GriffinCanCode/egm-detector/internal/orchestrator"
)

const usage = `usage: egmd <command> [flags]

commands:
  serve     run capture, detection and the API (default)
  detect    run one detection cycle and print the result
  rebuild   reload reference images and print per-state counts
  snapshot  grab frames from the stream into files
  status    print the last published result from the status file
`

// staleCycles is how many detection intervals may pass before the status
// file is reported as stale.
const staleCycles = 10

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			slog.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(ctx, args)
	case "detect":
		return detect(ctx, args, stdout)
	case "rebuild":
		return rebuild(ctx, args, stdout)
	case "snapshot":
		return snapshot(ctx, args, stdout)
	case "status":
		return status(args, stdout)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, args []string) error {
	cfg, err := loadConfig("serve", args, os.Stdout)
	if err != nil {
		return err
	}
	m, err := orchestrator.New(cfg, orchestrator.Options{History: true, Notify: true})
	if err != nil {
		return err
	}
	defer m.Close()

	slog.Info("egm detector starting",
		"instance", cfg.InstanceID,
		"states", cfg.Priority,
		"http", cfg.API.HTTPAddr,
		"grpc", cfg.API.GRPCAddr)
	return m.Run(ctx)
}

func detect(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := loadConfig("detect", args, os.Stderr)
	if err != nil {
		return err
	}
	m, err := orchestrator.New(cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer m.Close()

	return printJSON(stdout, m.DetectOnce(ctx))
}

func rebuild(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := loadConfig("rebuild", args, os.Stderr)
	if err != nil {
		return err
	}
	m, err := orchestrator.New(cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer m.Close()

	for _, st := range m.Rebuild(ctx) {
		fmt.Fprintf(stdout, "%-10s %4d images  %2d rois  %s\n", st.State, st.Images, st.ROIs, st.Dir)
	}
	return nil
}

func status(args []string, stdout io.Writer) error {
	cfg, err := loadConfig("status", args, os.Stderr)
	if err != nil {
		return err
	}
	res, err := detector.ReadStatus(cfg.Output.StatusFile)
	if err != nil {
		return err
	}
	if age := time.Since(res.Time()); age > staleCycles*cfg.Capture.Interval {
		slog.Warn("status file is stale", "path", cfg.Output.StatusFile, "age", age.Round(time.Second))
	}
	return printJSON(stdout, res)
}

// loadConfig parses the shared -config flag and installs the logger. Commands
// that print results log to stderr.
func loadConfig(name string, args []string, logOut io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "config file (default $EGM_CONFIG or "+config.DefaultPath+")")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.Path(*path))
	if err != nil {
		return nil, err
	}
	setupLogging(logOut, cfg.SlogLevel())
	return cfg, nil
}

func setupLogging(w io.Writer, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
