package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/Mufanc/zynx/inject"
	"github.com/Mufanc/zynx/observer"
	"github.com/Mufanc/zynx/policy"
	"github.com/Mufanc/zynx/remotecall"
	"github.com/Mufanc/zynx/symbol"
)

const usage = `zynx-core

zynx-core watches for zygote64 embryos as they fork, freezes each one at a
well-defined hook point before SpecializeCommon runs, and dispatches the
registered policy providers to decide what (if anything) gets injected. It
never modifies the zygote image itself.
`

// libcPath is the AArch64 system libc every libc target below resolves
// against; zynx-core only ever targets 64-bit zygote embryos (spec.md's
// AArch64-only non-goal carve-out).
const libcPath = "/apex/com.android.runtime/lib64/bionic/libc.so"

func libcTargets() inject.LibcTargets {
	target := func(symbol string) remotecall.Target {
		return remotecall.Target{Library: libcPath, Symbol: symbol}
	}
	return inject.LibcTargets{
		Socketpair:       target("socketpair"),
		Close:            target("close"),
		Recvmsg:          target("recvmsg"),
		Mmap:             target("mmap"),
		Munmap:           target("munmap"),
		Madvise:          target("madvise"),
		AndroidDlopenExt: target("android_dlopen_ext"),
		Dlsym:            target("dlsym"),
	}
}

// exitHandler mirrors cmd/sysbox-fs/main.go's signal handler: dump every
// goroutine's stack on the signals that usually mean something's actually
// wrong, always let the orchestrator drain in-flight workers, then exit.
func exitHandler(signalChan chan os.Signal, orch *inject.Orchestrator, obs *observer.Observer) {
	var printStack bool

	s := <-signalChan

	logrus.Warnf("zynx-core caught signal: %s", s)
	logrus.Info("stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}

	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	obs.Close()
	orch.Wait()

	logrus.Info("exiting ...")
	os.Exit(0)
}

func setupLogging(ctx *cli.Context) error {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})

	switch level := ctx.GlobalString("log-level"); level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "":
		logrus.SetLevel(logrus.InfoLevel)
	default:
		return fmt.Errorf("log-level %q not recognized", level)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(ctx *cli.Context) error {
	logrus.Info("starting zynx-core ...")

	targetPaths := splitList(ctx.GlobalString("target-path"))
	targetNames := splitList(ctx.GlobalString("target-name"))
	if len(targetNames) == 0 {
		targetNames = []string{"zygote64"}
	}

	obs, err := observer.Load(observer.Config{
		TargetPaths: targetPaths,
		TargetNames: targetNames,
	})
	if err != nil {
		return fmt.Errorf("load kernel observer: %w", err)
	}

	if err := obs.Attach(); err != nil {
		obs.Close()
		return fmt.Errorf("attach kernel observer: %w", err)
	}

	registry := policy.NewRegistry()

	orch := inject.NewOrchestrator(symbol.NewResolver(), registry, inject.Config{
		Libc:              libcTargets(),
		BridgeLibraryPath: ctx.GlobalString("bridge-library"),
		Timeout:           inject.DefaultTimeout,
	}, ctx.GlobalInt("max-concurrent"))

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT, syscall.SIGABRT)
	go exitHandler(exitChan, orch, obs)

	systemd.SdNotify(false, systemd.SdNotifyReady)
	logrus.Info("ready ...")

	for ev := range obs.Events() {
		orch.HandleEvent(ev)
	}

	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "zynx-core"
	app.Usage = usage
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error)",
		},
		cli.StringFlag{
			Name:  "target-path",
			Usage: "comma-separated exec paths the observer freezes init's children at (sched_process_exec)",
		},
		cli.StringFlag{
			Name:  "target-name",
			Value: "zygote64",
			Usage: "comma-separated comm names the observer freezes init's children at (task_rename)",
		},
		cli.StringFlag{
			Name:  "bridge-library",
			Value: "/data/local/tmp/libzynx-bridge.so",
			Usage: "path to the bridge .so sealed into every embryo before the trampoline runs",
		},
		cli.IntFlag{
			Name:  "max-concurrent",
			Value: 4,
			Usage: "maximum number of embryos under active injection at once",
		},
	}

	app.Before = setupLogging

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "attach the kernel observer and start dispatching injection workers",
			Action: run,
		},
	}

	// Default to "run" when invoked with no subcommand, same convenience
	// sysbox-fs's single-command app.Action offers.
	app.Action = func(ctx *cli.Context) error {
		return run(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
