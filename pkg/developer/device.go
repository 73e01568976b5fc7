package developer

import (
	"context"

	"github.com/blacktop/sideload/internal/errs"
)

// Device is a device registered to a team
type Device struct {
	DeviceID     string `plist:"deviceId"`
	Name         string `plist:"name"`
	DeviceNumber string `plist:"deviceNumber"`
	DeviceClass  string `plist:"deviceClass,omitempty"`
	Status       string `plist:"status,omitempty"`
}

func (d *Device) validate() error {
	switch {
	case d.DeviceID == "":
		return errs.Missing("device", "deviceId")
	case d.DeviceNumber == "":
		return errs.Missing("device", "deviceNumber")
	}
	return nil
}

type listDevicesResponse struct {
	Devices *[]Device `plist:"devices"`
}

type addDeviceResponse struct {
	Device *Device `plist:"device"`
}

// ListDevices returns the devices registered to team
func (c *Client) ListDevices(ctx context.Context, team Team, platform Platform) ([]Device, error) {
	resp, err := send[listDevicesResponse](ctx, c, platform, "listDevices", map[string]any{
		"teamId": team.TeamID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Devices == nil {
		return nil, errs.Missing("listDevices response", "devices")
	}
	for i := range *resp.Devices {
		if err := (*resp.Devices)[i].validate(); err != nil {
			return nil, err
		}
	}
	return *resp.Devices, nil
}

// AddDevice registers the device with UDID udid to team
func (c *Client) AddDevice(ctx context.Context, team Team, platform Platform, name, udid string) (*Device, error) {
	resp, err := send[addDeviceResponse](ctx, c, platform, "addDevice", map[string]any{
		"teamId":       team.TeamID,
		"name":         name,
		"deviceNumber": udid,
	})
	if err != nil {
		return nil, err
	}
	if resp.Device == nil {
		return nil, errs.Missing("addDevice response", "device")
	}
	if err := resp.Device.validate(); err != nil {
		return nil, err
	}
	return resp.Device, nil
}
