package main

import (
	"os"

	"github.com/denimcouch/cli-visualizer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
