// Command boxclient runs the proxy client daemon and talks to it over its control socket.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/sagernet/sing/common/json"

	"github.com/getlantern/boxclient"
	"github.com/getlantern/boxclient/ipc"
)

const requestTimeout = ipc.RequestTimeout

type args struct {
	Run        *runCmd     `arg:"subcommand:run" help:"run the daemon in the foreground"`
	Test       *testCmd    `arg:"subcommand:test" help:"dry-run a config file"`
	Load       *loadCmd    `arg:"subcommand:load" help:"load a config file into the daemon"`
	Start      *startCmd   `arg:"subcommand:start" help:"start the proxy in the daemon"`
	Stop       *stopCmd    `arg:"subcommand:stop" help:"stop the proxy in the daemon"`
	Status     *statusCmd  `arg:"subcommand:status" help:"show the daemon status"`
	Stats      *statsCmd   `arg:"subcommand:stats" help:"show uptime and traffic"`
	Link       *linkCmd    `arg:"subcommand:link" help:"convert between share links and outbound configs"`
	Assets     *assetsCmd  `arg:"subcommand:assets" help:"manage rule-set assets"`
	VersionCmd *versionCmd `arg:"subcommand:version" help:"print version information"`

	DataPath string `arg:"--data-path,env:BOXCLIENT_DATA_PATH" default:"$HOME/.boxclient" help:"directory for settings, assets and the control socket"`
	LogLevel string `arg:"--log-level,env:BOXCLIENT_LOG_LEVEL" help:"trace, debug, info, warn, error or disable"`
}

func (args) Version() string {
	return boxclient.BuildVersion()
}

func (args) Description() string {
	return "boxclient manages a local proxy backed by an embedded sing-box engine."
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}
	a.DataPath = os.ExpandEnv(a.DataPath)
	ipc.SetSocketPath(a.DataPath)

	var err error
	switch {
	case a.Run != nil:
		err = runDaemon(a.DataPath, a.LogLevel, a.Run)
	case a.Test != nil:
		err = a.Test.run(a.DataPath)
	case a.Load != nil:
		err = a.Load.run()
	case a.Start != nil:
		err = withTimeout(ipc.StartService)
	case a.Stop != nil:
		err = withTimeout(ipc.StopService)
	case a.Status != nil:
		err = a.Status.run()
	case a.Stats != nil:
		err = a.Stats.run()
	case a.Link != nil:
		err = a.Link.run(p)
	case a.Assets != nil:
		err = a.Assets.run(p, a.DataPath)
	case a.VersionCmd != nil:
		err = a.VersionCmd.run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func withTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
