package main

import (
	"context"
	"os"
)

var (
	executeCmd = Execute
	terminate  = os.Exit
)

func run(args []string) int {
	ctx := context.Background()
	if err := executeCmd(ctx, args); err != nil {
		return ExitCode(err)
	}
	return 0
}

func main() {
	terminate(run(os.Args[1:]))
}
