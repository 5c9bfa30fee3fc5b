// Package config defines the explicit configuration record that replaces
// the dynamic, JS-object-shaped capability bags the original system reads
// at session-creation time (spec.md §9 design note: "Dynamic capability
// objects"). It is built from CLI flags the way the teacher's LaunchOptions
// is built from a parsed Goja value, except the source here is pflag.
package config

import (
	"fmt"
	"time"
)

// UnhandledPromptBehavior is the normalized form of BiDi's
// unhandledPromptBehavior capability (spec.md §4.12).
type UnhandledPromptBehavior string

const (
	PromptBehaviorAccept  UnhandledPromptBehavior = "accept"
	PromptBehaviorDismiss UnhandledPromptBehavior = "dismiss"
	PromptBehaviorIgnore  UnhandledPromptBehavior = "ignore"
)

// Channel is the Chrome release channel to allocate.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelDev    Channel = "dev"
	ChannelCanary Channel = "canary"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelStable, ChannelBeta, ChannelDev, ChannelCanary, "":
		return true
	default:
		return false
	}
}

// Config is the static configuration the server process is launched with.
// It never changes for the lifetime of the process; per-session capability
// negotiation (spec.md §4.12 Session processor) produces derived values but
// never mutates Config itself.
type Config struct {
	// Port is the HTTP/WebSocket listen port for the BiDi front end.
	Port int
	// Headless launches Chrome without a visible window.
	Headless bool
	// Channel selects which Chrome release channel to resolve an executable for.
	Channel Channel
	// Verbose includes a stack trace in every error response sent to
	// clients; it does not change the logger's level.
	Verbose bool

	// AcceptInsecureCerts mirrors the WebDriver capability of the same name.
	AcceptInsecureCerts bool
	// SharedIDWithFrame controls whether SharedId encodes the owning frame id
	// (spec.md GLOSSARY "SharedId"); see EncodeSharedID in internal/bidiproto/message.go.
	SharedIDWithFrame bool
	// UnhandledPromptBehavior is the default session-wide prompt policy.
	UnhandledPromptBehavior UnhandledPromptBehavior

	// ChromeArgs are extra command-line flags passed to the allocated Chrome
	// process, appended after the server's own required flags.
	ChromeArgs []string
	// ChromeBinary overrides channel-based executable resolution.
	ChromeBinary string

	// LaunchTimeout bounds how long the launcher waits for a started Chrome
	// process to report its DevTools WebSocket endpoint.
	LaunchTimeout time.Duration

	// ScreenshotDir, if non-empty, additionally persists every
	// browsingContext.captureScreenshot result to disk for offline
	// inspection (see internal/screenshot); the BiDi response always
	// carries the base64 payload regardless.
	ScreenshotDir string
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Port:                    9222,
		Headless:                true,
		Channel:                 ChannelStable,
		UnhandledPromptBehavior: PromptBehaviorDismiss,
		LaunchTimeout:           30 * time.Second,
	}
}

// Validate rejects configurations that cannot be launched, mirroring the
// checks LaunchOptions.Parse performs inline on the teacher's side.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !c.Channel.valid() {
		return fmt.Errorf("invalid chrome channel %q", c.Channel)
	}
	switch c.UnhandledPromptBehavior {
	case PromptBehaviorAccept, PromptBehaviorDismiss, PromptBehaviorIgnore, "":
	default:
		return fmt.Errorf("invalid unhandledPromptBehavior %q", c.UnhandledPromptBehavior)
	}
	return nil
}
