/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/prompt"
	"github.com/blacktop/sideload/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(certsCmd)
	certsCmd.AddCommand(certsListCmd)
	certsCmd.AddCommand(certsRevokeCmd)
}

// certsCmd represents the certs command
var certsCmd = &cobra.Command{
	Use:     "certs",
	Aliases: []string{"cert"},
	Short:   "Manage development certificates",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// certsListCmd represents the certs ls command
var certsListCmd = &cobra.Command{
	Use:           "ls",
	Short:         "List the team's development certificates",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(false)
		if err != nil {
			return err
		}
		team, err := a.team(ctx)
		if err != nil {
			return err
		}

		certs, err := a.dev.ListAllDevelopmentCerts(ctx, team, a.conf.DevicePlatform())
		if err != nil {
			return fmt.Errorf("failed to list certificates: %w", err)
		}

		log.WithField("team", team.TeamID).Info("Development Certificates:")
		for _, c := range certs {
			machine := "-"
			if c.MachineName != nil {
				machine = *c.MachineName
			}
			expires := "unknown"
			if c.ExpirationDate != nil {
				expires = humanize.Time(*c.ExpirationDate)
			}
			utils.Indent(log.Info, 2)(fmt.Sprintf("%s\t%s\t%s\texpires %s", colorID(c.SerialNumber), colorTeam(c.Name), machine, colorFaint(expires)))
		}
		return nil
	},
}

// certsRevokeCmd represents the certs revoke command
var certsRevokeCmd = &cobra.Command{
	Use:           "revoke <SERIAL>",
	Short:         "Revoke a development certificate",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(false)
		if err != nil {
			return err
		}
		team, err := a.team(ctx)
		if err != nil {
			return err
		}

		ok, err := prompt.Confirm(ctx, fmt.Sprintf("Revoke certificate %s? Apps signed with it will stop launching.", args[0]), false)
		if err != nil || !ok {
			log.Warn("Exiting...")
			return nil
		}

		if err := a.dev.RevokeDevelopmentCert(ctx, team, a.conf.DevicePlatform(), args[0]); err != nil {
			return fmt.Errorf("failed to revoke certificate %s: %w", args[0], err)
		}
		log.WithField("serial", args[0]).Info("Certificate revoked")
		return nil
	},
}
