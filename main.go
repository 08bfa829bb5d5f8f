package main

import (
	"os"

	"github.com/projecteru2/vbricks/cmd"
)

func main() {
	ctx, cancel := cmd.NewCommandContext()
	err := cmd.Execute(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
