package sideload

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/fullsailor/pkcs7"
)

// Profile is the payload of a signed .mobileprovision
type Profile struct {
	Name               string         `plist:"Name"`
	UUID               string         `plist:"UUID"`
	TeamIdentifier     []string       `plist:"TeamIdentifier"`
	CreationDate       time.Time      `plist:"CreationDate"`
	ExpirationDate     time.Time      `plist:"ExpirationDate"`
	ProvisionedDevices []string       `plist:"ProvisionedDevices"`
	Entitlements       map[string]any `plist:"Entitlements"`
}

// HasDevice reports whether udid is provisioned by the profile
func (p *Profile) HasDevice(udid string) bool {
	return slices.ContainsFunc(p.ProvisionedDevices, func(d string) bool {
		return strings.EqualFold(d, udid)
	})
}

// InspectProfile unwraps the CMS envelope and parses the profile plist
func InspectProfile(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#7 data: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("no content found in PKCS#7 data")
	}

	var profile Profile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal provisioning profile plist: %w", err)
	}
	if profile.UUID == "" {
		return nil, fmt.Errorf("no UUID found in provisioning profile")
	}
	return &profile, nil
}
