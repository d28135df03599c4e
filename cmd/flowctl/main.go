// Command flowctl validates capability catalogs, describes their state
// machines, replays scripted sessions against a configured store and runs
// the maintenance sweep.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every subcommand.
type Globals struct {
	Config   string   `help:"Engine configuration file (YAML or JSON)." type:"existingfile" env:"FLOWCTL_CONFIG"`
	Catalogs []string `name:"catalog" short:"c" help:"Capability catalog files." env:"FLOWCTL_CATALOG" sep:","`
	LogLevel string   `name:"log-level" help:"Overrides logging.level from the config." env:"FLOWCTL_LOG_LEVEL"`

	out io.Writer
	err io.Writer
}

type CLI struct {
	Globals

	Validate ValidateCmd `cmd:"" help:"Compile catalogs and report problems."`
	Describe DescribeCmd `cmd:"" help:"Print the state machine of a capability."`
	Simulate SimulateCmd `cmd:"" help:"Run a scripted session and print every outcome as JSON lines."`
	Sweep    SweepCmd    `cmd:"" help:"Dismiss idle instances and prune idempotency records."`
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("flowctl"),
		kong.Description("Flow orchestration engine tooling."),
		kong.UsageOnError(),
	}
	return kong.New(cli, append(base, opts...)...)
}

func main() {
	cli := &CLI{Globals: Globals{out: os.Stdout, err: os.Stderr}}
	parser, err := newParser(cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
