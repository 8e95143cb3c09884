package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// GetTimeArgs selects the timezone for get_time.
type GetTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Berlin. Defaults to UTC."`
}

// EchoArgs carries the text for echo.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back verbatim"`
}

// RegisterBuiltins adds the built-in tools to a toolset.
func RegisterBuiltins(t *Toolset) {
	t.Register(NewFuncTool("get_time",
		"Get the current date and time, optionally in a specific timezone.",
		func(ctx context.Context, args GetTimeArgs) (string, error) {
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		}))

	t.Register(NewFuncTool("echo",
		"Echo the given text back verbatim. Useful for testing tool dispatch.",
		func(ctx context.Context, args EchoArgs) (string, error) {
			return args.Text, nil
		}))
}
