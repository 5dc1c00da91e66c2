package main

import (
	"os"

	"github.com/miintlabs/miintradar/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
