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

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/revtun/revtun/confengine"
	"github.com/revtun/revtun/internal/sigs"
	"github.com/revtun/revtun/logger"
	"github.com/revtun/revtun/starter"
)

var starterConfigPath string

var starterCmd = &cobra.Command{
	Use:   "starter",
	Short: "Run as the outbound-only starter half of the tunnel",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(starterConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		s, err := starter.New(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create starter: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := s.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "starter stopped: %v\n", err)
			}
		}()

		var reloadTotal int
		for {
			select {
			case <-sigs.Terminate():
				cancel()
				return

			case <-sigs.Reload():
				reloadTotal++

				cfg, err := confengine.LoadConfigPath(starterConfigPath)
				if err != nil {
					logger.Errorf("starter: failed to load config (count=%d): %v", reloadTotal, err)
					continue
				}

				start := time.Now()
				if err := s.Reload(cfg); err != nil {
					logger.Errorf("starter: failed to reload config: %v", err)
					continue
				}
				logger.Infof("starter: reload (count=%d) took %s", reloadTotal, time.Since(start))
			}
		}
	},
	Example: "# revtun starter --config starter.json",
}

func init() {
	starterCmd.Flags().StringVar(&starterConfigPath, "config", "starter.json", "Configuration file path")
	rootCmd.AddCommand(starterCmd)
}
