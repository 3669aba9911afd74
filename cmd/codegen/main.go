package main

import (
	"context"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/kagent-dev/codegen/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
