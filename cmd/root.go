// Copyright 2025 The revtun Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires the revtun binary's subcommands together with cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/revtun/revtun/common"
)

var (
	version   = common.Version
	gitHash   string
	buildTime string
)

var rootCmd = &cobra.Command{
	Use:   "revtun",
	Short: "A reverse TCP tunnel and port multiplexer",
	Example: "# revtun redirector --config redirector.json\n" +
		"# revtun starter --config starter.json",
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s, %s)", version, gitHash, buildTime)
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
