// Command insightsctl inspects and operates the upload pipeline directly
// against its Redis queue, ledger database and object store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/BerylCAtieno/upload-insights-api/internal/app"
	"github.com/BerylCAtieno/upload-insights-api/internal/config"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/fatih/color"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// opener connects to the backing services of the pipeline.
type opener func(ctx context.Context, cfg *config.Config) (*app.Application, error)

func openApp(verbose bool, stderr io.Writer) opener {
	return func(ctx context.Context, cfg *config.Config) (*app.Application, error) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		return app.New(ctx, cfg, utils.NewLoggerWithFormat(level, "text", stderr))
	}
}

func main() {
	if err := newRootCmd(newUI(), nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, newUI().err("[ERROR]"), err)
		os.Exit(1)
	}
}
