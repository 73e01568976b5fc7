// Package sideload turns an app bundle into one that is signed for, and
// installable on, a specific device under a free developer team.
package sideload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/sideload/pkg/bundle"
	"github.com/blacktop/sideload/pkg/certificate"
	"github.com/blacktop/sideload/pkg/developer"
)

// sideStoreBundleID gets its app group advertised through ALTAppGroups
const sideStoreBundleID = "com.SideStore.SideStore"

// DeveloperClient is the part of the Developer Services API the orchestrator uses
type DeveloperClient interface {
	ListDevices(ctx context.Context, team developer.Team, platform developer.Platform) ([]developer.Device, error)
	AddDevice(ctx context.Context, team developer.Team, platform developer.Platform, name, udid string) (*developer.Device, error)
	ListAppIDs(ctx context.Context, team developer.Team, platform developer.Platform) (*developer.AppIDList, error)
	AddAppID(ctx context.Context, team developer.Team, platform developer.Platform, name, identifier string) (*developer.AppID, error)
	UpdateAppID(ctx context.Context, team developer.Team, platform developer.Platform, appID *developer.AppID, features map[string]any) (*developer.AppID, error)
	ListApplicationGroups(ctx context.Context, team developer.Team, platform developer.Platform) ([]developer.AppGroup, error)
	AddApplicationGroup(ctx context.Context, team developer.Team, platform developer.Platform, identifier, name string) (*developer.AppGroup, error)
	AssignApplicationGroupToAppID(ctx context.Context, team developer.Team, platform developer.Platform, appIDID string, groups []string) error
	DownloadTeamProvisioningProfile(ctx context.Context, team developer.Team, platform developer.Platform, appIDID string) (*developer.ProvisioningProfile, error)
}

// IdentityProvider yields the signing identity for an account
type IdentityProvider interface {
	Acquire(ctx context.Context, team developer.Team, appleID string) (*certificate.Identity, error)
}

// Signer re-signs a bundle directory in place
type Signer interface {
	Sign(ctx context.Context, bundleDir, certPath, keyPath, profilePath string) error
}

// Installer pushes a signed bundle to a device
type Installer interface {
	Install(ctx context.Context, udid, bundleDir string, progress func(percent int)) error
}

// Device is the target device
type Device struct {
	UDID string
	Name string
}

// Orchestrator runs the provisioning steps against a team
type Orchestrator struct {
	Developer    DeveloperClient
	Certificates IdentityProvider
	Signer       Signer
	// Installer is optional; without one the bundle is only signed
	Installer Installer

	ConfigDir       string
	AppleID         string
	Platform        developer.Platform
	AppGroupFeature string

	// Progress receives install percentages
	Progress func(percent int)
}

// Result describes a provisioned bundle
type Result struct {
	MainAppID   string
	GroupID     string
	ProfilePath string
	Profile     *Profile
	Identity    *certificate.Identity
}

type plan struct {
	mainBundleID string
	mainAppID    string
	bundles      []*bundle.Bundle
}

func (p *plan) groupID() string {
	return "group." + p.mainAppID
}

// ProvisionAndSign registers everything the bundle needs with the team,
// rewrites its identifiers, signs it and, when an Installer is set,
// installs it on device.
func (o *Orchestrator) ProvisionAndSign(ctx context.Context, b *bundle.Bundle, team developer.Team, device Device) error {
	_, err := o.Provision(ctx, b, team, device)
	return err
}

// Provision is ProvisionAndSign returning what was provisioned
func (o *Orchestrator) Provision(ctx context.Context, b *bundle.Bundle, team developer.Team, device Device) (*Result, error) {
	p, err := planIdentifiers(b, team)
	if err != nil {
		return nil, &ProvisionError{Step: StepValidate, Err: err}
	}
	log.WithFields(log.Fields{
		"bundle": p.mainBundleID,
		"app_id": p.mainAppID,
		"team":   team.TeamID,
	}).Info("Provisioning app")

	if err := o.registerDevice(ctx, team, device); err != nil {
		return nil, &ProvisionError{Step: StepDevice, Err: err}
	}

	ident, err := o.Certificates.Acquire(ctx, team, o.AppleID)
	if err != nil {
		return nil, &ProvisionError{Step: StepCertificate, Err: err}
	}

	appIDs, err := o.registerAppIDs(ctx, team, p)
	if err != nil {
		return nil, &ProvisionError{Step: StepAppIDs, Err: err}
	}

	if err := o.assignAppGroup(ctx, team, b, p, appIDs); err != nil {
		return nil, &ProvisionError{Step: StepAppGroups, Err: err}
	}

	profilePath, profile, err := o.fetchProfile(ctx, team, p, appIDs[0], device)
	if err != nil {
		return nil, &ProvisionError{Step: StepProfile, Err: err}
	}

	if err := o.finalize(ctx, b, ident, profilePath, device); err != nil {
		return nil, &ProvisionError{Step: StepFinalize, Err: err}
	}

	return &Result{
		MainAppID:   p.mainAppID,
		GroupID:     p.groupID(),
		ProfilePath: profilePath,
		Profile:     profile,
		Identity:    ident,
	}, nil
}

// planIdentifiers rewrites the bundle identifiers to be team specific.
// Identifiers that already carry the team suffix are left alone so a
// previously provisioned bundle can be provisioned again.
func planIdentifiers(b *bundle.Bundle, team developer.Team) (*plan, error) {
	if team.TeamID == "" {
		return nil, errors.New("team has no team ID")
	}
	suffix := "." + team.TeamID

	mainID := strings.TrimSuffix(b.BundleIdentifier(), suffix)
	if mainID == "" {
		return nil, &bundle.Error{Path: b.Dir, Err: errors.New("main bundle has no CFBundleIdentifier")}
	}
	p := &plan{
		mainBundleID: mainID,
		mainAppID:    mainID + suffix,
		bundles:      []*bundle.Bundle{b},
	}

	// check every extension before touching any of them
	extIDs := make([]string, len(b.AppExtensions))
	for i, ext := range b.AppExtensions {
		id := ext.BundleIdentifier()
		switch {
		case strings.HasPrefix(id, p.mainAppID+"."):
			extIDs[i] = id
		case strings.HasPrefix(id, mainID) && len(id) > len(mainID):
			extIDs[i] = p.mainAppID + id[len(mainID):]
		default:
			return nil, &ConflictError{
				Extension:      filepath.Base(ext.Dir),
				Identifier:     id,
				MainIdentifier: mainID,
			}
		}
	}

	b.SetBundleIdentifier(p.mainAppID)
	for i, ext := range b.AppExtensions {
		ext.SetBundleIdentifier(extIDs[i])
		p.bundles = append(p.bundles, ext)
	}
	return p, nil
}

func (o *Orchestrator) registerDevice(ctx context.Context, team developer.Team, device Device) error {
	devices, err := o.Developer.ListDevices(ctx, team, o.Platform)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if strings.EqualFold(d.DeviceNumber, device.UDID) {
			log.WithField("device", d.Name).Debug("Device already registered")
			return nil
		}
	}

	name := device.Name
	if name == "" {
		name = device.UDID
	}
	log.WithFields(log.Fields{"name": name, "udid": device.UDID}).Info("Registering device")
	_, err = o.Developer.AddDevice(ctx, team, o.Platform, name, device.UDID)
	return err
}

// registerAppIDs adds the App IDs the team is missing and returns one App ID
// per planned bundle, main app first.
func (o *Orchestrator) registerAppIDs(ctx context.Context, team developer.Team, p *plan) ([]*developer.AppID, error) {
	list, err := o.Developer.ListAppIDs(ctx, team, o.Platform)
	if err != nil {
		return nil, err
	}

	registered := make(map[string]bool, len(list.AppIDs))
	for _, a := range list.AppIDs {
		registered[a.Identifier] = true
	}
	var missing []*bundle.Bundle
	for _, b := range p.bundles {
		if !registered[b.BundleIdentifier()] {
			missing = append(missing, b)
		}
	}

	if len(missing) > list.AvailableQuantity {
		return nil, &QuotaExceededError{Required: len(missing), Available: list.AvailableQuantity}
	}

	if len(missing) > 0 {
		for _, b := range missing {
			log.WithField("identifier", b.BundleIdentifier()).Info("Registering App ID")
			if _, err := o.Developer.AddAppID(ctx, team, o.Platform, b.BundleName(), b.BundleIdentifier()); err != nil {
				return nil, err
			}
		}
		if list, err = o.Developer.ListAppIDs(ctx, team, o.Platform); err != nil {
			return nil, err
		}
	}

	byID := make(map[string]*developer.AppID, len(list.AppIDs))
	for i := range list.AppIDs {
		byID[list.AppIDs[i].Identifier] = &list.AppIDs[i]
	}
	appIDs := make([]*developer.AppID, 0, len(p.bundles))
	for _, b := range p.bundles {
		a, ok := byID[b.BundleIdentifier()]
		if !ok {
			return nil, fmt.Errorf("App ID %s not found after registration", b.BundleIdentifier())
		}
		appIDs = append(appIDs, a)
	}
	return appIDs, nil
}

func (o *Orchestrator) appGroupFeature() string {
	if o.AppGroupFeature == "" {
		return developer.FeatureAppGroups
	}
	return o.AppGroupFeature
}

func (o *Orchestrator) assignAppGroup(ctx context.Context, team developer.Team, b *bundle.Bundle, p *plan, appIDs []*developer.AppID) error {
	feature := o.appGroupFeature()
	for i, a := range appIDs {
		if a.Feature(feature) {
			continue
		}
		log.WithField("identifier", a.Identifier).Info("Enabling app groups")
		updated, err := o.Developer.UpdateAppID(ctx, team, o.Platform, a, map[string]any{feature: true})
		if err != nil {
			return err
		}
		appIDs[i] = updated
	}

	groupID := p.groupID()
	if p.mainBundleID == sideStoreBundleID {
		b.Info["ALTAppGroups"] = []any{groupID}
	}

	groups, err := o.Developer.ListApplicationGroups(ctx, team, o.Platform)
	if err != nil {
		return err
	}
	var group *developer.AppGroup
	for i := range groups {
		if groups[i].Identifier == groupID {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		log.WithField("group", groupID).Info("Creating app group")
		if group, err = o.Developer.AddApplicationGroup(ctx, team, o.Platform, groupID, b.BundleName()); err != nil {
			return err
		}
	}

	for _, a := range appIDs {
		if err := o.Developer.AssignApplicationGroupToAppID(ctx, team, o.Platform, a.AppIDID, []string{group.ApplicationGroup}); err != nil {
			return fmt.Errorf("failed to assign %s to %s: %w", groupID, a.Identifier, err)
		}
	}
	return nil
}

func (o *Orchestrator) fetchProfile(ctx context.Context, team developer.Team, p *plan, main *developer.AppID, device Device) (string, *Profile, error) {
	pp, err := o.Developer.DownloadTeamProvisioningProfile(ctx, team, o.Platform, main.AppIDID)
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(o.ConfigDir, 0o755); err != nil {
		return "", nil, err
	}
	profilePath := filepath.Join(o.ConfigDir, p.mainAppID+".mobileprovision")
	if err := os.Remove(profilePath); err != nil && !os.IsNotExist(err) {
		return "", nil, err
	}
	if err := os.WriteFile(profilePath, pp.EncodedProfile, 0o644); err != nil {
		return "", nil, err
	}

	profile, err := InspectProfile(pp.EncodedProfile)
	if err != nil {
		log.WithError(err).Warn("Could not inspect provisioning profile")
		return profilePath, nil, nil
	}
	log.WithFields(log.Fields{
		"name":    profile.Name,
		"uuid":    profile.UUID,
		"expires": profile.ExpirationDate,
	}).Info("Downloaded provisioning profile")
	if !profile.HasDevice(device.UDID) {
		log.WithField("udid", device.UDID).Warn("Device is not listed in the provisioning profile")
	}
	return profilePath, profile, nil
}

func (o *Orchestrator) finalize(ctx context.Context, b *bundle.Bundle, ident *certificate.Identity, profilePath string, device Device) error {
	if err := b.WriteInfo(); err != nil {
		return err
	}

	log.WithField("bundle", b.Dir).Info("Signing app")
	if err := o.Signer.Sign(ctx, b.Dir, ident.CertPath, ident.KeyPath, profilePath); err != nil {
		return err
	}

	if o.Installer == nil {
		return nil
	}
	log.WithField("udid", device.UDID).Info("Installing app")
	progress := o.Progress
	if progress == nil {
		progress = func(percent int) {
			log.Infof("Installing: %d%%", percent)
		}
	}
	return o.Installer.Install(ctx, device.UDID, b.Dir, progress)
}
