package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/flightgate/cmd/cpeer-flight/app"
	"github.com/autopeer-io/flightgate/internal/flightagent"
)

func main() {
	if err := app.NewApp().Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(flightagent.ExitCode(err))
	}
}
