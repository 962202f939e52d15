package main

import (
	"os"

	"github.com/dl-alexandre/ncsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
