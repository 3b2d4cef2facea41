package main

import (
	"github.com/RhizApp/rhizproto/internal/server"
	"github.com/RhizApp/rhizproto/internal/util"
	"github.com/RhizApp/rhizproto/pkg/logger"
	"github.com/RhizApp/rhizproto/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
