package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rzbill/flobuf/internal/cmd/run"
)

func main() {
	if err := run.NewRoot().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flobuf:", err)
		os.Exit(1)
	}
}
