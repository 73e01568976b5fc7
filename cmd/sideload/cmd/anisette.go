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
	"time"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/prompt"
	"github.com/blacktop/sideload/internal/utils"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(anisetteCmd)
	anisetteCmd.AddCommand(anisetteResetCmd)

	anisetteResetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	viper.BindPFlag("anisette.reset.yes", anisetteResetCmd.Flags().Lookup("yes"))
}

// anisetteCmd represents the anisette command
var anisetteCmd = &cobra.Command{
	Use:           "anisette",
	Short:         "Show the anisette identity this machine presents to Apple",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}

		s := spinner.New(spinner.CharSets[38], 100*time.Millisecond)
		s.Prefix = color.BlueString("   • Fetching anisette data... ")
		s.Start()
		id, err := a.anisette.Identity(context.Background())
		s.Stop()
		if err != nil {
			return fmt.Errorf("failed to get anisette data: %w", err)
		}

		log.WithField("server", a.conf.Anisette.Server).Info("Anisette")
		for _, kv := range [][2]string{
			{"Device", id.DeviceIdentifier},
			{"Local User", id.LocalUserID},
			{"Routing Info", fmt.Sprintf("%d", id.RoutingInfo)},
			{"Client Info", id.Description},
			{"User Agent", id.UserAgent},
			{"Locale", id.Locale},
			{"Time Zone", id.TimeZone},
		} {
			utils.Indent(log.Info, 2)(fmt.Sprintf("%s:%s%s", colorField(kv[0]), utils.Pad(14-len(kv[0])), kv[1]))
		}
		return nil
	},
}

// anisetteResetCmd represents the anisette reset command
var anisetteResetCmd = &cobra.Command{
	Use:           "reset",
	Short:         "Forget the provisioned anisette device",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}

		if !viper.GetBool("anisette.reset.yes") {
			ok, err := prompt.Confirm(context.Background(), "Apple will see this machine as a new device. Continue?", false)
			if err != nil || !ok {
				log.Warn("Exiting...")
				return nil
			}
		}

		if err := a.anisette.Reset(); err != nil {
			return fmt.Errorf("failed to reset anisette: %w", err)
		}
		log.Info("Anisette provisioning cleared")
		return nil
	},
}
