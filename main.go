package main

import (
	"os"

	"github.com/kvesta/quietpatch/cli"
)

func main() {
	os.Exit(cli.Execute())
}
