package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "arashi",
		Usage: "Distributed command-execution platform",
		Commands: []*cli.Command{
			cmd.CoordinatorCommand,
			cmd.AgentCommand,
			cmd.MigrateCommand,
			cmd.HealthCheckCommand,
			cmd.SubmitCommand,
			cmd.LogsCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
