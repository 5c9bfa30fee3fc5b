// Package launcher allocates and supervises the single Chrome process the
// translator drives (the out-of-scope "browser process launch" collaborator
// named in spec.md §1 is about content, not mechanics — the process itself
// has to come from somewhere). It is grounded directly on the teacher's
// Allocator (chromium/allocator.go): start the binary, pipe its combined
// stdout/stderr, scan for the DevTools WebSocket URL line, and kill the
// child if the parent dies.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/chromedevtools/bidi-server/internal/config"
)

var devtoolsURLPattern = regexp.MustCompile(`^DevTools listening on (ws://\S+)$`)

// Process is a running, launched Chrome instance.
type Process struct {
	cmd   *exec.Cmd
	WSURL string
}

// Launch starts Chrome per cfg and blocks until its DevTools WebSocket URL
// is known or launchTimeout elapses.
func Launch(ctx context.Context, cfg config.Config) (*Process, error) {
	execPath := cfg.ChromeBinary
	if execPath == "" {
		execPath = findExecPath(cfg.Channel)
	}
	if execPath == "" {
		return nil, fmt.Errorf("launcher: no chrome executable found for channel %q; set ChromeBinary", cfg.Channel)
	}

	args := buildArgs(cfg)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, execPath, args...) //nolint:gosec

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launcher: piping stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("launcher: starting %s: %w", execPath, err)
	}

	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	wsURL, err := scanForWebSocketURL(waitCtx, stdout)
	if err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, fmt.Errorf("launcher: waiting for DevTools endpoint: %w", err)
	}

	go func() { _ = cmd.Wait() }()

	return &Process{cmd: cmd, WSURL: wsURL}, nil
}

// Close terminates the Chrome process.
func (p *Process) Close() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func scanForWebSocketURL(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if m := devtoolsURLPattern.FindStringSubmatch(line); m != nil {
				ch <- result{url: m[1]}
				return
			}
		}
		ch <- result{err: fmt.Errorf("chrome exited before printing a DevTools endpoint")}
	}()

	select {
	case r := <-ch:
		return r.url, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func buildArgs(cfg config.Config) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.AcceptInsecureCerts {
		args = append(args, "--ignore-certificate-errors")
	}
	return append(args, cfg.ChromeArgs...)
}

func findExecPath(channel config.Channel) string {
	candidates := map[config.Channel][]string{
		config.ChannelStable: {"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"},
		config.ChannelBeta:   {"google-chrome-beta"},
		config.ChannelDev:    {"google-chrome-unstable"},
		config.ChannelCanary: {"google-chrome-canary"},
		"":                   {"google-chrome-stable", "chromium"},
	}
	for _, name := range candidates[channel] {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	if path := os.Getenv("CHROME_PATH"); path != "" {
		return path
	}
	return ""
}
