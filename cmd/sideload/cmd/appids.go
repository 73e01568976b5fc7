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
	"github.com/blacktop/sideload/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(appIDsCmd)
	appIDsCmd.AddCommand(appIDsListCmd)
	appIDsCmd.AddCommand(appIDsRemoveCmd)
}

// appIDsCmd represents the appids command
var appIDsCmd = &cobra.Command{
	Use:     "appids",
	Aliases: []string{"appid"},
	Short:   "Manage App IDs",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// appIDsListCmd represents the appids ls command
var appIDsListCmd = &cobra.Command{
	Use:           "ls",
	Short:         "List the team's App IDs and remaining quota",
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

		list, err := a.dev.ListAppIDs(ctx, team, a.conf.DevicePlatform())
		if err != nil {
			return fmt.Errorf("failed to list App IDs: %w", err)
		}

		log.WithFields(log.Fields{
			"available": list.AvailableQuantity,
			"max":       list.MaxQuantity,
		}).Info("App IDs:")
		for _, id := range list.AppIDs {
			expires := ""
			if id.ExpirationDate != nil {
				expires = "expires " + humanize.Time(*id.ExpirationDate)
			}
			groups := ""
			if id.Feature(a.conf.AppGroupFeature) {
				groups = "app groups"
			}
			utils.Indent(log.Info, 2)(fmt.Sprintf("%s\t%s\t%s\t%s %s",
				colorID(id.AppIDID), colorTeam(id.Identifier), utils.Truncate(id.Name, 24), colorFaint(expires), groups))
		}
		return nil
	},
}

// appIDsRemoveCmd represents the appids rm command
var appIDsRemoveCmd = &cobra.Command{
	Use:           "rm <APP_ID_ID>",
	Short:         "Delete an App ID",
	Long:          "Delete an App ID; " + slotNotFreed + ".",
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

		if err := a.dev.DeleteAppID(ctx, team, a.conf.DevicePlatform(), args[0]); err != nil {
			return fmt.Errorf("failed to delete App ID %s: %w", args[0], err)
		}
		log.WithField("app_id", args[0]).Info("App ID deleted")
		return nil
	},
}
