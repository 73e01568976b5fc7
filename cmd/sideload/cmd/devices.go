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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().BoolP("registered", "r", false, "Also list the devices registered to the team")
	viper.BindPFlag("devices.registered", devicesCmd.Flags().Lookup("registered"))
}

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:           "devices",
	Short:         "List connected devices",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		connected, err := utils.ConnectedDevices(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list connected devices")
		}
		log.Info("Connected:")
		if len(connected) == 0 {
			utils.Indent(log.Warn, 2)("none")
		}
		for _, d := range connected {
			name := d.Name
			if name == "" {
				name = colorWarn("untrusted")
			}
			utils.Indent(log.Info, 2)(fmt.Sprintf("%s\t%s\t%s", colorID(d.UDID), colorTeam(name), colorFaint(d.ConnectionType)))
		}

		if !viper.GetBool("devices.registered") {
			return nil
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		team, err := a.team(ctx)
		if err != nil {
			return err
		}
		devices, err := a.dev.ListDevices(ctx, team, a.conf.DevicePlatform())
		if err != nil {
			return fmt.Errorf("failed to list registered devices: %w", err)
		}
		log.WithField("team", team.TeamID).Info("Registered:")
		for _, d := range devices {
			utils.Indent(log.Info, 2)(fmt.Sprintf("%s\t%s\t%s\t%s", colorID(d.DeviceNumber), colorTeam(d.Name), d.DeviceClass, colorFaint(d.DeviceID)))
		}
		return nil
	},
}
