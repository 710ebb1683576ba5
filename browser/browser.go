// Package browser launches and supervises the headless or visible browser that renders charts.
//
// A Launcher starts the browser pointed at the harness URL and returns a Handle once the browser's
// DevTools endpoint answers. Handles own exactly one browser instance: Terminate asks it to stop,
// escalates to a forceful kill after a grace period, and is safe to call repeatedly or after the
// browser already died.
package browser

import (
	"context"
	"errors"
	"fmt"
)

// ErrLaunchFailed is returned when the browser could not be started or never became reachable.
var ErrLaunchFailed = errors.New("browser launch failed")

type LaunchRequest struct {
	// URL is the page the browser opens.
	URL      string
	Headless bool
}

type Launcher interface {
	// Launch starts a browser and blocks until it is reachable.
	// Errors wrap ErrLaunchFailed, and no process is left running when an error is returned.
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
}

type Handle interface {
	// Alive is a non-blocking liveness probe.
	Alive() bool
	// Exited is closed once the browser has stopped, whether or not Terminate was called.
	Exited() <-chan struct{}
	Terminate(ctx context.Context) error
	// DebugPort is the local DevTools port, or 0 if the browser exposes none.
	DebugPort() int
}

// ChromiumArgs builds the command line for a Chromium-family browser.
// An empty userDataDir leaves the browser's default profile location alone.
func ChromiumArgs(req LaunchRequest, debugPort int, userDataDir string, extra ...string) []string {
	var args []string
	if req.Headless {
		args = append(args, "--headless")
	}
	args = append(args,
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--enable-features=NetworkService,NetworkServiceInProcess",
		fmt.Sprintf("--remote-debugging-port=%d", debugPort),
	)
	if userDataDir != "" {
		args = append(args, "--user-data-dir="+userDataDir)
	}
	args = append(args, extra...)
	return append(args, req.URL)
}
