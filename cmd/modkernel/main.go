package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/GoCodeAlone/modkernel/cmd/modkernel/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			cmd.OsExit(exitErr.Code)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		cmd.OsExit(1)
	}
}
