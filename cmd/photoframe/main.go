package main

import (
	"os"

	"github.com/urfave/cli/v2"

	appLog "photoframe/internal/log"
)

const (
	version           = "0.3.0"
	defaultConfigPath = "/etc/photoframe/config.yaml"
)

func main() {
	app := cli.NewApp()

	app.Name = "photoframe"
	app.Usage = "six-color e-paper photo frame"
	app.Version = version

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"PHOTOFRAME_CONFIG"},
			Value:   defaultConfigPath,
			Usage:   "path to config file",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}

	app.Commands = []*cli.Command{
		runCommand(),
		onceCommand(),
		renderCommand(),
		previewCommand(),
		convertCommand(),
		captureCommand(),
		batteryCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("photoframe failed", err)
		os.Exit(1)
	}
}
