// Command qudid is the qudicore daemon: it loads a configuration document,
// activates the configured startup modules, and serves them (and any
// remote modules server) until asked to stop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/qudi-go/qudicore/app"
	"github.com/qudi-go/qudicore/version"
)

// CLI is the flag surface a measurement-application process exposes: the
// -g/-d/-c/-l flags plus --version.
type CLI struct {
	NoGUI   bool   `short:"g" name:"no-gui" help:"run headless, without the GUI layer"`
	Debug   bool   `short:"d" name:"debug" help:"lower the file log level to debug"`
	Config  string `short:"c" name:"config" type:"path" placeholder:"PATH" help:"configuration document to load (defaults to the platform config path)"`
	LogDir  string `short:"l" name:"logdir" type:"path" placeholder:"PATH" help:"application data directory (log/, status files, session journal live underneath it)"`
	Version bool   `name:"version" help:"print version information and exit"`
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Name("qudid"),
		kong.Description("Modular measurement-application daemon."),
		kong.Configuration(kongyaml.Loader, "qudicore.yml", "~/.config/qudicore/qudicore.yml"),
		kong.UsageOnError(),
	)

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	)

	_, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if cli.Version {
		info := version.Get()
		fmt.Printf("Git Repository: %s\n", info.GitRepo)
		fmt.Printf("Git Branch: %s\n", info.GitBranch)
		fmt.Printf("Git Commit: %s\n", info.GitCommit)
		fmt.Printf("Build Time: %s\n", info.BuildTime)
		return
	}

	ctx := context.Background()
	a, err := app.New(ctx, app.Options{
		ConfigPath: cli.Config,
		AppDataDir: cli.LogDir,
		Debug:      cli.Debug,
		NoGUI:      cli.NoGUI,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qudid: %v\n", err)
		os.Exit(1)
	}

	os.Exit(a.Run(ctx))
}
