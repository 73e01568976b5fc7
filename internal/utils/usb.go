package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/prompt"
	"github.com/blacktop/sideload/pkg/usb"
	"github.com/blacktop/sideload/pkg/usb/lockdownd"
	"golang.org/x/sync/errgroup"
)

// lookups against a single usbmuxd are cheap but not free
const maxNameLookups = 4

var (
	listDevices = func() ([]*usb.Device, error) {
		mux, err := usb.NewMux()
		if err != nil {
			return nil, err
		}
		defer mux.Close()
		return mux.ListDevices()
	}
	deviceName = lockdownd.DeviceName
)

// ConnectedDevice is a device attached through usbmuxd
type ConnectedDevice struct {
	UDID           string
	Name           string
	ConnectionType string
	ProductID      int
}

func (d ConnectedDevice) String() string {
	name := d.Name
	if name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf("%s (%s, %s)", name, d.UDID, d.ConnectionType)
}

// ConnectedDevices lists attached devices and looks up their names concurrently
func ConnectedDevices(ctx context.Context) ([]ConnectedDevice, error) {
	devices, err := listDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	out := make([]ConnectedDevice, len(devices))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxNameLookups)
	for i, d := range devices {
		out[i] = ConnectedDevice{
			UDID:           d.UDID,
			ConnectionType: d.ConnectionType,
			ProductID:      d.ProductID,
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name, err := deviceName(d.UDID)
			if err != nil {
				// untrusted devices refuse lockdown sessions
				log.WithError(err).WithField("udid", d.UDID).Warn("Failed to get device name")
				return nil
			}
			out[i].Name = name
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PickDevice returns the device with udid, or asks the user to choose one
func PickDevice(ctx context.Context, udid string) (*ConnectedDevice, error) {
	devices, err := ConnectedDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices connected")
	}

	if udid != "" {
		for i := range devices {
			if strings.EqualFold(devices[i].UDID, udid) {
				return &devices[i], nil
			}
		}
		return nil, fmt.Errorf("device %s is not connected", udid)
	}

	choices := make([]string, 0, len(devices))
	for _, d := range devices {
		choices = append(choices, d.String())
	}
	idx, err := prompt.Select(ctx, "Select a device:", choices)
	if err != nil {
		return nil, err
	}
	return &devices[idx], nil
}
