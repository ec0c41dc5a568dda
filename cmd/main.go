// cmd/main.go

package main

import (
	"fmt"
	"os"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/shicheng0829/torchsnapshot/pkg/utils"
	"github.com/shicheng0829/torchsnapshot/pkg/version"
)

var logger = utils.GetLogger("snapshot")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors, no progress bars",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "path of log file (default: stderr)",
		},
		&cli.BoolFlag{
			Name:  "debug-agent",
			Usage: "start a gops agent for diagnosing the running process",
		},
	}
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if p := c.String("log"); p != "" {
		utils.SetOutFile(p)
	}
}

func startAgent(c *cli.Context) {
	if !c.Bool("debug-agent") {
		return
	}
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		logger.Warnf("start gops agent: %s", err)
	}
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	app := &cli.App{
		Name:                 "snapshot",
		Usage:                "take, inspect and benchmark batched tensor snapshots",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Before: func(c *cli.Context) error {
			setLoggerLevel(c)
			startAgent(c)
			return nil
		},
		Commands: []*cli.Command{
			benchFlags(),
			inspectFlags(),
			lsFlags(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
