package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aceeric/ocisync/cmd/subcmd"
	"github.com/aceeric/ocisync/impl/config"
	"github.com/aceeric/ocisync/impl/globals"
	"github.com/aceeric/ocisync/impl/metrics"
)

// set by the build
var (
	buildVer string
	buildDtm string
)

func main() {
	command, args, err := getCfg()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if command == "" {
		// the parser displayed help
		os.Exit(0)
	}
	globals.ConfigureLogging(config.GetLogLevel(), config.GetLogFile())
	metrics.InitMetrics(config.GetMetrics())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "copy":
		err = subcmd.Copy(ctx, args.Src, args.Dst)
	case "sync":
		err = subcmd.Sync(ctx, args)
	case "inspect":
		err = subcmd.Inspect(ctx, args.Src, os.Stdout)
	case "tags":
		err = subcmd.Tags(ctx, args.Src, os.Stdout)
	case "version":
		subcmd.Version(os.Stdout, buildVer, buildDtm)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
