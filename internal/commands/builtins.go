package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/serialmon/internal/pipeline"
)

// registerBuiltins registers all built-in commands
func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "/help",
		Description: "Show this help",
		Aliases:     []string{"/?"},
		Handler:     handleHelp,
	})

	m.Register(&Command{
		Name:        "/status",
		Description: "Show channel and source state",
		Handler:     handleStatus,
	})

	m.Register(&Command{
		Name:        "/sources",
		Description: "List sources",
		Aliases:     []string{"/ls"},
		Handler:     handleSources,
	})

	m.Register(&Command{
		Name:        "/parsers",
		Description: "List pipeline stages",
		Handler:     handleParsers,
	})

	m.Register(&Command{
		Name:        "/start",
		Description: "Start a source",
		Usage:       "<source>",
		Handler:     handleStart,
	})

	m.Register(&Command{
		Name:        "/stop",
		Description: "Stop a source",
		Usage:       "<source>",
		Handler:     handleStop,
	})

	m.Register(&Command{
		Name:        "/attach",
		Description: "Attach a pipeline to a source",
		Usage:       "<source> <pipeline-id> [stage,stage...]",
		Handler:     handleAttach,
	})

	m.Register(&Command{
		Name:        "/jq",
		Description: "Attach a jq filter to a source",
		Usage:       "<source> <query>",
		Handler:     handleJQ,
	})

	m.Register(&Command{
		Name:        "/mock",
		Description: "Inject text as if a source received it",
		Usage:       "<source> <text>",
		Handler:     handleMock,
	})

	m.Register(&Command{
		Name:        "/toggle",
		Description: "Open or close a channel",
		Usage:       "[channel]",
		Handler:     handleToggle,
	})
}

func usageError(args *CommandArgs, name string) *CommandResult {
	err := fmt.Errorf("usage: %s %s", name, args.Usage)
	return &CommandResult{Text: err.Error(), Error: err, ExitCode: 2}
}

func failed(what string, err error) *CommandResult {
	return &CommandResult{
		Text:     fmt.Sprintf("%s: %s", what, err),
		Error:    err,
		ExitCode: 1,
	}
}

// handleHelp lists the registered commands
func handleHelp(ctx context.Context, args *CommandArgs) *CommandResult {
	var text strings.Builder
	text.WriteString("Commands\n")
	for _, cmd := range args.Commands {
		name := cmd.Name
		if cmd.Usage != "" {
			name += " " + cmd.Usage
		}
		text.WriteString(fmt.Sprintf("  %-44s %s\n", name, cmd.Description))
	}
	return &CommandResult{Text: text.String()}
}

// handleStatus shows channel labels and source states
func handleStatus(ctx context.Context, args *CommandArgs) *CommandResult {
	var text strings.Builder

	text.WriteString("Channels\n")
	if args.Toggles != nil {
		for _, c := range args.Toggles.Controllers() {
			text.WriteString(fmt.Sprintf("  %-10s %s\n", c.Name(), c.Label()))
		}
	}

	text.WriteString("\nSources\n")
	for _, s := range args.Provider.ListSources() {
		line := fmt.Sprintf("  %-10s %-8s %s", s.ID, s.Kind, s.Status.State)
		if s.Status.Error != "" {
			line += " (" + s.Status.Error + ")"
		}
		text.WriteString(line + "\n")
	}

	return &CommandResult{Text: text.String()}
}

// handleSources lists sources
func handleSources(ctx context.Context, args *CommandArgs) *CommandResult {
	list := args.Provider.ListSources()
	if len(list) == 0 {
		return &CommandResult{Text: "No sources registered."}
	}

	var text strings.Builder
	for _, s := range list {
		text.WriteString(fmt.Sprintf("%-10s %-16s %-8s %s\n", s.ID, s.Label, s.Kind, s.Status.State))
	}
	return &CommandResult{Text: text.String()}
}

// handleParsers lists the attachable stages
func handleParsers(ctx context.Context, args *CommandArgs) *CommandResult {
	var text strings.Builder
	for _, p := range args.Provider.ListParsers() {
		configurable := ""
		if p.Configurable {
			configurable = " (configurable)"
		}
		text.WriteString(fmt.Sprintf("%-16s %s%s\n", p.ID, p.Label, configurable))
	}
	return &CommandResult{Text: text.String()}
}

func handleStart(ctx context.Context, args *CommandArgs) *CommandResult {
	fields := args.Fields()
	if len(fields) != 1 {
		return usageError(args, "/start")
	}
	if err := args.Provider.StartSource(ctx, fields[0]); err != nil {
		return failed("Start failed", err)
	}
	return &CommandResult{Text: fmt.Sprintf("Source %s started.", fields[0])}
}

func handleStop(ctx context.Context, args *CommandArgs) *CommandResult {
	fields := args.Fields()
	if len(fields) != 1 {
		return usageError(args, "/stop")
	}
	if err := args.Provider.StopSource(fields[0]); err != nil {
		return failed("Stop failed", err)
	}
	return &CommandResult{Text: fmt.Sprintf("Source %s stopped.", fields[0])}
}

// handleAttach attaches a pipeline built from comma separated stage types
func handleAttach(ctx context.Context, args *CommandArgs) *CommandResult {
	fields := args.Fields()
	if len(fields) < 2 || len(fields) > 3 {
		return usageError(args, "/attach")
	}

	cfg := pipeline.Config{ID: fields[1], Source: fields[0]}
	if len(fields) == 3 {
		for _, t := range strings.Split(fields[2], ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Stages = append(cfg.Stages, pipeline.StageConfig{Type: t})
			}
		}
	}

	if err := args.Provider.AttachPipelineConfig(fields[0], cfg); err != nil {
		return failed("Attach failed", err)
	}
	return &CommandResult{Text: fmt.Sprintf("Pipeline %s attached to %s.", cfg.ID, fields[0])}
}

// handleJQ attaches a line splitter followed by a jq filter
func handleJQ(ctx context.Context, args *CommandArgs) *CommandResult {
	parts := strings.SplitN(args.RawArgs, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return usageError(args, "/jq")
	}
	source, query := parts[0], strings.TrimSpace(parts[1])

	cfg := pipeline.Config{
		ID:     source + "_jq",
		Source: source,
		Stages: []pipeline.StageConfig{
			{Type: pipeline.StageLineSplitter},
			{Type: pipeline.StageJQ, Query: query},
		},
	}
	if err := args.Provider.AttachPipelineConfig(source, cfg); err != nil {
		return failed("Attach failed", err)
	}
	return &CommandResult{Text: fmt.Sprintf("Filter %s attached to %s.", query, source)}
}

func handleMock(ctx context.Context, args *CommandArgs) *CommandResult {
	parts := strings.SplitN(args.RawArgs, " ", 2)
	if len(parts) != 2 {
		return usageError(args, "/mock")
	}
	if err := args.Provider.MockRx(parts[0], parts[1]); err != nil {
		return failed("Mock receive failed", err)
	}
	return &CommandResult{Text: fmt.Sprintf("Injected %d bytes into %s.", len(parts[1]), parts[0])}
}

// handleToggle toggles the named channel, or the only channel when unnamed
func handleToggle(ctx context.Context, args *CommandArgs) *CommandResult {
	if args.Toggles == nil {
		return failed("Toggle failed", fmt.Errorf("no channels configured"))
	}

	fields := args.Fields()
	var name string
	switch len(fields) {
	case 0:
		all := args.Toggles.Controllers()
		if len(all) != 1 {
			return usageError(args, "/toggle")
		}
		name = all[0].Name()
	case 1:
		name = fields[0]
	default:
		return usageError(args, "/toggle")
	}

	c, ok := args.Toggles.Controller(name)
	if !ok {
		return failed("Toggle failed", fmt.Errorf("unknown channel: %s", name))
	}
	c.Toggle(ctx)
	return &CommandResult{Text: fmt.Sprintf("Channel %s: %s", name, c.Label())}
}
