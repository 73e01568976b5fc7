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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/utils"
	"github.com/blacktop/sideload/pkg/bundle"
	"github.com/blacktop/sideload/pkg/certificate"
	"github.com/blacktop/sideload/pkg/sideload"
	"github.com/blacktop/sideload/pkg/usb/installation"
	"github.com/caarlos0/ctrlc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// slotNotFreed is shared with the appids rm help
const slotNotFreed = "deleting an App ID does not give its slot back until it expires"

const quotaHint = "Free accounts can register 10 App IDs per week; " + slotNotFreed + " (see `sideload appids ls`)"

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().StringP("udid", "u", "", "Device UniqueDeviceID to provision for")
	signCmd.Flags().Bool("no-install", false, "Only sign the app, do not install it")
	signCmd.Flags().String("signer", "", "Path to the zsign binary")
	viper.BindPFlag("sign.udid", signCmd.Flags().Lookup("udid"))
	viper.BindPFlag("sign.no-install", signCmd.Flags().Lookup("no-install"))
	viper.BindPFlag("signer.path", signCmd.Flags().Lookup("signer"))
}

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign <IPA|APP>",
	Short: "Provision, sign and install an app on a device",
	Example: heredoc.Doc(`
		# Sign and install an IPA on the only connected device
		❯ sideload sign SideStore.ipa

		# Sign an extracted app for a specific device without installing it
		❯ sideload sign --udid 00008030-001A2B3C4D5E6F70 --no-install Payload/Acme.app`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			return sign(ctx, args[0])
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				return nil
			}
			var qerr *sideload.QuotaExceededError
			if errors.As(err, &qerr) {
				log.Warn(quotaHint)
			}
			return err
		}
		return nil
	},
}

func sign(ctx context.Context, path string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}

	install := !viper.GetBool("sign.no-install")
	device := sideload.Device{UDID: viper.GetString("sign.udid")}
	if install || device.UDID == "" {
		d, err := utils.PickDevice(ctx, device.UDID)
		if err != nil {
			return fmt.Errorf("failed to pick USB connected device: %w", err)
		}
		device = sideload.Device{UDID: d.UDID, Name: d.Name}
	}

	workDir := filepath.Join(a.conf.ConfigDir, "apps")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	b, err := bundle.Open(path, workDir)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"bundle": b.BundleIdentifier(),
		"name":   b.BundleName(),
		"size":   humanize.Bytes(dirSize(b.Dir)),
	}).Info("Loaded app")
	for _, ext := range b.AppExtensions {
		utils.Indent(log.Info, 2)(fmt.Sprintf("%s %s", colorField("extension"), ext.BundleIdentifier()))
	}

	session, err := a.auth.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	team, err := a.team(ctx)
	if err != nil {
		return err
	}

	orch := &sideload.Orchestrator{
		Developer:       a.dev,
		Certificates:    certificate.NewManager(a.conf.ConfigDir, a.conf.MachineName, a.dev),
		Signer:          &sideload.ExecSigner{Path: a.conf.Signer.Path},
		ConfigDir:       a.conf.ConfigDir,
		AppleID:         session.AppleID,
		Platform:        a.conf.DevicePlatform(),
		AppGroupFeature: a.conf.AppGroupFeature,
	}

	var (
		p   *mpb.Progress
		bar *mpb.Bar
	)
	if install {
		orch.Installer = installation.Installer{}
		orch.Progress = func(percent int) {
			if bar == nil {
				p = mpb.New(mpb.WithWidth(80))
				name := "Installing"
				bar = p.New(100,
					mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
					mpb.PrependDecorators(
						decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
						decor.OnComplete(
							decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
						),
					),
					mpb.AppendDecorators(
						decor.Percentage(),
						decor.Name(" ] "),
					),
				)
			}
			bar.SetCurrent(int64(percent))
		}
	}

	res, err := orch.Provision(ctx, b, team, device)
	if p != nil {
		if err != nil {
			bar.Abort(false)
		}
		p.Wait()
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"app_id":  res.MainAppID,
		"group":   res.GroupID,
		"profile": res.ProfilePath,
	}).Info("Provisioned")
	if res.Profile != nil {
		utils.Indent(log.Info, 2)(fmt.Sprintf("profile expires %s", humanize.Time(res.Profile.ExpirationDate)))
	}
	if install {
		log.WithField("device", device.Name).Info("App installed")
	} else {
		log.WithField("path", b.Dir).Info("App signed")
	}
	return nil
}

func dirSize(root string) uint64 {
	var size uint64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += uint64(info.Size())
		}
		return nil
	})
	return size
}
