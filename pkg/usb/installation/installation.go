// Package installation installs signed app bundles through installation_proxy.
package installation

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/sideload/pkg/usb"
	"github.com/blacktop/sideload/pkg/usb/afc"
	"github.com/blacktop/sideload/pkg/usb/lockdownd"
)

const (
	serviceName    = "com.apple.mobile.installation_proxy"
	stagingDir     = "PublicStaging"
	developerPkg   = "Developer"
	statusComplete = "Complete"
)

// ProgressFunc receives the install percentage (0-100)
type ProgressFunc func(percent int)

// InstallError is an installation_proxy failure
type InstallError struct {
	Code        string
	Description string
}

func (e *InstallError) Error() string {
	if e.Description == "" {
		return "install failed: " + e.Code
	}
	return fmt.Sprintf("install failed: %s (%s)", e.Code, e.Description)
}

// Client is an installation_proxy session
type Client struct {
	c *usb.Client
}

func NewClient(udid string) (*Client, error) {
	c, err := lockdownd.NewClientForService(serviceName, udid)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Install installs the bundle at packagePath (relative to the AFC root) as a
// developer package and streams progress until it completes.
func (c *Client) Install(packagePath string, cb ProgressFunc) error {
	req := &installRequest{
		Command:       "Install",
		PackagePath:   packagePath,
		ClientOptions: &clientOptions{PackageType: developerPkg},
	}
	if err := c.c.Send(req); err != nil {
		return err
	}
	return c.watchProgress(cb)
}

func (c *Client) watchProgress(cb ProgressFunc) error {
	for {
		var ev ProgressEvent
		if err := c.c.Recv(&ev); err != nil {
			return err
		}
		if ev.Error != "" {
			return &InstallError{Code: ev.Error, Description: ev.ErrorDescription}
		}
		// some iOS versions interleave messages without a status
		if ev.Status == "" {
			continue
		}
		if ev.Status == statusComplete {
			ev.PercentComplete = 100
		}
		log.WithField("status", ev.Status).Debugf("install %d%%", ev.PercentComplete)
		if cb != nil {
			cb(ev.PercentComplete)
		}
		if ev.Status == statusComplete {
			return nil
		}
	}
}

func (c *Client) Close() error {
	return c.c.Close()
}

// Installer pushes a bundle over AFC and installs it on the device
type Installer struct{}

// Install uploads bundleDir to PublicStaging/<name> on udid and installs it
func (Installer) Install(ctx context.Context, udid, bundleDir string, progress func(percent int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs, err := afc.NewClient(udid)
	if err != nil {
		return fmt.Errorf("failed to connect to AFC: %w", err)
	}
	defer fs.Close()

	if err := fs.MakeDir(stagingDir); err != nil {
		return fmt.Errorf("failed to create %s: %w", stagingDir, err)
	}
	dst := path.Join(stagingDir, filepath.Base(bundleDir))
	log.WithField("dst", dst).Info("Uploading app bundle")
	if err := fs.CopyToDevice(dst, bundleDir, func(dst, _ string, _ os.FileInfo) {
		log.Debugf("uploaded %s", dst)
	}); err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	cli, err := NewClient(udid)
	if err != nil {
		return fmt.Errorf("failed to connect to installation proxy: %w", err)
	}
	defer cli.Close()

	return cli.Install(dst, progress)
}
