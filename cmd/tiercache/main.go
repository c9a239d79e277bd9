// Command tiercache loads, preloads and clears cached remote content, and
// serves the cache over HTTP.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/decode"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/pkg/api"
	"github.com/tiercache/tiercache/pkg/tiercache"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `usage: tiercache <command> [flags] [arguments]

commands:
  get          fetch one locator and write its bytes to stdout or -o
  inspect      load an image locator and print its dimensions
  preload      warm the disk tier for one or more locators
  clear        remove every file from the disk tier
  purge        remove disk entries older than -max-age
  serve        expose the cache over HTTP
  init-config  write the default configuration to a file

Flags precede arguments. Run "tiercache <command> -h" for a command's flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		return runGet(ctx, rest, stdout, stderr)
	case "inspect":
		return runInspect(ctx, rest, stdout, stderr)
	case "preload":
		return runPreload(ctx, rest, stdout, stderr)
	case "clear":
		return runClear(rest, stdout, stderr)
	case "purge":
		return runPurge(rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stderr)
	case "init-config":
		return runInitConfig(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}
}

// env carries what every subcommand shares once flags are parsed
type env struct {
	cfg    *config.Configuration
	logger *zap.Logger
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "path to a YAML configuration file")
	return fs, path
}

// setup layers the configuration file and TIERCACHE_* variables over the
// defaults and builds the logger.
func setup(path string, stderr io.Writer) (*env, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		logger *zap.Logger
		err    error
	)
	if f, ok := stderr.(*os.File); ok && f == os.Stderr {
		logger, err = utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFormat)
	} else {
		logger, err = utils.NewLoggerTo(cfg.Global.LogLevel, stderr)
	}
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) open(collector types.MetricsCollector) (*tiercache.Cache[[]byte], error) {
	return tiercache.New[[]byte](e.cfg, tiercache.Dependencies[[]byte]{
		Decoder: decode.Bytes{},
		Encoder: decode.Bytes{},
		Metrics: collector,
		Logger:  e.logger,
	})
}

func closeCache[V any](e *env, c *tiercache.Cache[V]) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		e.logger.Warn("cache close failed", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitError
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("get", stderr)
	policyName := fs.String("policy", "normal", "access policy: normal, cache_only or refresh")
	output := fs.String("o", "", "write the value to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "get takes exactly one locator")
		return exitUsage
	}
	policy, err := types.ParsePolicy(*policyName)
	if err != nil {
		return fail(stderr, err)
	}

	e, err := setup(*path, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	c, err := e.open(nil)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeCache(e, c)

	res, err := c.Get(ctx, fs.Arg(0), policy)
	if err != nil {
		return fail(stderr, err)
	}
	e.logger.Info("loaded",
		zap.String("locator", fs.Arg(0)),
		zap.String("source", res.Source.String()),
		zap.String("size", utils.FormatBytes(int64(len(res.Value)))))

	if *output != "" {
		if err := os.WriteFile(*output, res.Value, 0644); err != nil {
			return fail(stderr, err)
		}
		return exitOK
	}
	if _, err := stdout.Write(res.Value); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

// runInspect decodes through an image cache, so the decode section of the
// configuration applies.
func runInspect(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("inspect", stderr)
	policyName := fs.String("policy", "normal", "access policy: normal, cache_only or refresh")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "inspect takes exactly one locator")
		return exitUsage
	}
	policy, err := types.ParsePolicy(*policyName)
	if err != nil {
		return fail(stderr, err)
	}

	e, err := setup(*path, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	decoder := decode.NewImageDecoder(decode.ImageConfig{
		Permits:   e.cfg.Decode.Permits,
		MaxPixels: e.cfg.Decode.MaxPixels,
	})
	c, err := tiercache.New[image.Image](e.cfg, tiercache.Dependencies[image.Image]{
		Decoder: decoder,
		Encoder: decoder,
		Logger:  e.logger,
	})
	if err != nil {
		return fail(stderr, err)
	}
	defer closeCache(e, c)

	res, err := c.Get(ctx, fs.Arg(0), policy)
	if err != nil {
		return fail(stderr, err)
	}
	b := res.Value.Bounds()
	fmt.Fprintf(stdout, "%dx%d %s\n", b.Dx(), b.Dy(), res.Source)
	return exitOK
}

func runPreload(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("preload", stderr)
	limit := fs.Int("limit", 0, "concurrent preloads (0 uses the network worker count)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "preload takes one or more locators")
		return exitUsage
	}

	e, err := setup(*path, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	c, err := e.open(nil)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeCache(e, c)

	if err := c.PreloadAll(ctx, fs.Args(), *limit); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "preloaded %d\n", fs.NArg())
	return exitOK
}

func runClear(args []string, stdout, stderr io.Writer) int {
	return clearDisk("clear", args, stdout, stderr, false)
}

func runPurge(args []string, stdout, stderr io.Writer) int {
	return clearDisk("purge", args, stdout, stderr, true)
}

// clearDisk empties the disk tier, or with purge removes only entries older
// than -max-age.
func clearDisk(name string, args []string, stdout, stderr io.Writer, purge bool) int {
	fs, path := newFlagSet(name, stderr)
	var maxAge time.Duration
	if purge {
		fs.DurationVar(&maxAge, "max-age", 0, "remove entries older than this (0 uses disk.max_age)")
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "%s takes no arguments\n", name)
		return exitUsage
	}

	e, err := setup(*path, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	mode := tiercache.ClearAll
	if purge {
		mode = tiercache.ClearEvictOld
		if maxAge > 0 {
			e.cfg.Disk.MaxAge = maxAge
		}
	}

	c, err := e.open(nil)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeCache(e, c)

	removed, err := c.ClearDisk(mode)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "removed %d\n", removed)
	return exitOK
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs, path := newFlagSet("serve", stderr)
	serverCfg := api.DefaultServerConfig()
	fs.StringVar(&serverCfg.Address, "addr", serverCfg.Address, "address to listen on")
	fs.BoolVar(&serverCfg.EnableCORS, "cors", false, "send permissive CORS headers")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := setup(*path, stderr)
	if err != nil {
		return fail(stderr, err)
	}

	mc := metrics.DefaultConfig()
	mc.Port = e.cfg.Global.MetricsPort
	collector, err := metrics.NewCollector(mc, e.logger)
	if err != nil {
		return fail(stderr, err)
	}
	if e.cfg.Global.MetricsEnabled {
		if err := collector.Start(ctx); err != nil {
			return fail(stderr, err)
		}
	}

	c, err := e.open(collector)
	if err != nil {
		_ = collector.Stop(context.Background())
		return fail(stderr, err)
	}
	defer closeCache(e, c)

	server := api.NewServer(serverCfg, c,
		api.WithMetrics(collector.Handler()),
		api.WithBreakers(c.Network().BreakerStates),
		api.WithLogger(e.logger))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	code := exitOK
	select {
	case <-ctx.Done():
		e.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			code = fail(stderr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("server shutdown failed", zap.Error(err))
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		e.logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	return code
}

func runInitConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "init-config takes the destination path")
		return exitUsage
	}

	if err := config.NewDefault().SaveToFile(fs.Arg(0)); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", fs.Arg(0))
	return exitOK
}
