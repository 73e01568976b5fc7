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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().BoolP("remember", "r", false, "Store the Apple ID and password in the keyring")
	viper.BindPFlag("login.remember", loginCmd.Flags().Lookup("remember"))
}

// loginCmd represents the login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to your Apple ID",
	Example: heredoc.Doc(`
		# Sign in and remember the credentials
		❯ sideload login --apple-id jane@example.com --remember`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(viper.GetBool("login.remember"))
		if err != nil {
			return err
		}

		s, err := a.auth.Session(context.Background())
		if err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}

		log.WithFields(log.Fields{
			"apple_id": s.AppleID,
			"dsid":     s.DSID,
		}).Info("Signed in")
		if !s.TokenExpiry.IsZero() {
			log.Infof("Xcode token expires %s", humanize.Time(s.TokenExpiry))
		}
		return nil
	},
}

// logoutCmd represents the logout command
var logoutCmd = &cobra.Command{
	Use:           "logout",
	Short:         "Forget stored credentials",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}

		if email, _, err := a.creds.Stored(); err == nil {
			log.WithField("apple_id", email).Info("Removing stored credentials")
		}
		if err := a.creds.Forget(); err != nil {
			return fmt.Errorf("failed to remove stored credentials: %w", err)
		}
		a.auth.Logout()

		log.Info("Signed out")
		return nil
	},
}
