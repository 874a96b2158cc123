package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

var version = "0.1.0"

// Globals are flags shared by every subcommand.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Path to serialmon.json or serialmon.toml." type:"path"`
	LogLevel   string `name:"log-level" help:"Override the configured log level (trace, debug, info, warn, error)."`

	out io.Writer `kong:"-"`
}

// CLI is the serialmon command line.
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" default:"withargs" help:"Monitor the configured sources (TUI on a terminal, headless otherwise)."`
	Serve   ServeCmd   `cmd:"" help:"Run headless with the HTTP dashboard enabled."`
	Ports   PortsCmd   `cmd:"" help:"List serial ports on this machine."`
	Pick    PickCmd    `cmd:"" help:"Choose the serial port interactively and save it to the config."`
	History HistoryCmd `cmd:"" help:"Show recent samples of a stored metric."`
	Config  ConfigCmd  `cmd:"" help:"Inspect and restore configuration."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer, opts ...kong.Option) int {
	var cli CLI
	parser, err := newParser(&cli, out, errOut, opts...)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 1
	}

	cli.Globals.out = out
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(errOut, "serialmon: %v\n", err)
		return 1
	}
	return 0
}

func newParser(cli *CLI, out, errOut io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("serialmon"),
		kong.Description("Monitor serial, RTT and network byte streams."),
		kong.UsageOnError(),
		kong.Writers(out, errOut),
	}
	return kong.New(cli, append(base, opts...)...)
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.out, "serialmon %s\n", version)
	return err
}
