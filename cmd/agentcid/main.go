// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes used by the one-shot run command and by daemon failures.
const (
	exitOK           = 0
	exitValidation   = 1
	exitIterationCap = 2
	exitSystem       = 3
)

// exitError carries an explicit process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "agentcid",
		Short: "AI-assisted CI orchestrator",
		Long: `agentcid orchestrates an AI-assisted CI loop: it asks a code-generation
agent to plan and implement a goal, validates the resulting pull request in an
isolated sandbox, and iterates on failure until the requirements are met or
the iteration cap is reached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSystem)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcid %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
