package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/chrissnell/drydown/internal/app"
	"github.com/chrissnell/drydown/internal/export"
	"github.com/chrissnell/drydown/internal/log"
	"github.com/chrissnell/drydown/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

const usage = `usage: drydown <command> [flags]

commands:
  fit      segment, fit and compare every configured site, then store the run
  serve    serve stored results over HTTP
  version  print the version

Run 'drydown <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "fit":
		err = fitCommand(os.Args[2:])
	case "serve":
		err = serveCommand(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("drydown %s\n", version)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		log.Errorf("%v", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

type commonFlags struct {
	cfgFile string
	debug   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.cfgFile, "config", "drydown.yaml", "Path to the YAML configuration file")
	fs.BoolVar(&c.debug, "debug", false, "Turn on debugging output")
}

// setup initialises logging and loads the configuration. -debug or the
// configuration's debug setting enables debug output.
func (c *commonFlags) setup() (*config.ConfigData, error) {
	filename, _ := filepath.Abs(c.cfgFile)
	cfg, err := config.NewYAMLProvider(filename).LoadConfig()

	debug := c.debug || (cfg != nil && cfg.Debug)
	if lerr := log.Init(debug); lerr != nil {
		fmt.Printf("Failed to initialize logger: %v\n", lerr)
		os.Exit(1)
	}

	if err != nil {
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}
	return cfg, nil
}

func fitCommand(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	csvOut := fs.String("csv", "", "Also write every fit to this CSV file")
	fs.Parse(args)

	cfg, err := common.setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, log.Named("app"))
	if err != nil {
		return err
	}
	defer application.Close()

	run, err := application.Fit(ctx)
	if err != nil {
		return err
	}

	if *csvOut != "" {
		f, err := os.Create(*csvOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *csvOut, err)
		}
		if err := export.WriteFits(f, run); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", *csvOut, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Infof("fits written to %s", *csvOut)
	}
	return nil
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	cfg, err := common.setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, log.Named("app"))
	if err != nil {
		return err
	}
	defer application.Close()

	return application.Serve(ctx)
}
