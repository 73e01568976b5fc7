package sideload

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/pkg/bundle"
	"github.com/blacktop/sideload/pkg/certificate"
	"github.com/blacktop/sideload/pkg/developer"
	"github.com/fullsailor/pkcs7"
)

const (
	testTeamID = "ABCDE12345"
	testUDID   = "00008030-001A2B3C4D5E6F70"
)

var testTeam = developer.Team{Name: "Jane Appleseed", TeamID: testTeamID, Type: "Individual"}

// signedProfile builds a CMS wrapped .mobileprovision for udids
func signedProfile(t *testing.T, udids ...string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Apple iPhone OS Provisioning Profile Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	devices := make([]any, 0, len(udids))
	for _, u := range udids {
		devices = append(devices, u)
	}
	content, err := plist.Marshal(map[string]any{
		"Name":               "iOS Team Provisioning Profile: *",
		"UUID":               "5C2E6B0A-3F2D-4D8C-9E1B-7A6F5D4C3B2A",
		"TeamIdentifier":     []any{testTeamID},
		"CreationDate":       time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		"ExpirationDate":     time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC),
		"ProvisionedDevices": devices,
		"Entitlements": map[string]any{
			"application-identifier": testTeamID + ".com.acme.app." + testTeamID,
		},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatal(err)
	}
	out, err := sd.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// fakeTeam is an in-memory developer account
type fakeTeam struct {
	available int
	appIDs    []developer.AppID
	groups    []developer.AppGroup
	devices   []developer.Device
	assigned  map[string][]string
	profile   []byte

	calls map[string]int
}

func newFakeTeam(available int, profile []byte) *fakeTeam {
	return &fakeTeam{
		available: available,
		assigned:  make(map[string][]string),
		profile:   profile,
		calls:     make(map[string]int),
	}
}

func (f *fakeTeam) mutations() int {
	return f.calls["AddDevice"] + f.calls["AddAppID"] + f.calls["UpdateAppID"] +
		f.calls["AddApplicationGroup"] + f.calls["AssignApplicationGroupToAppID"]
}

func (f *fakeTeam) ListDevices(_ context.Context, _ developer.Team, _ developer.Platform) ([]developer.Device, error) {
	f.calls["ListDevices"]++
	return f.devices, nil
}

func (f *fakeTeam) AddDevice(_ context.Context, _ developer.Team, _ developer.Platform, name, udid string) (*developer.Device, error) {
	f.calls["AddDevice"]++
	d := developer.Device{DeviceID: fmt.Sprintf("DEV%d", len(f.devices)+1), Name: name, DeviceNumber: udid}
	f.devices = append(f.devices, d)
	return &d, nil
}

func (f *fakeTeam) ListAppIDs(_ context.Context, _ developer.Team, _ developer.Platform) (*developer.AppIDList, error) {
	f.calls["ListAppIDs"]++
	ids := make([]developer.AppID, len(f.appIDs))
	copy(ids, f.appIDs)
	return &developer.AppIDList{AppIDs: ids, MaxQuantity: 10, AvailableQuantity: f.available}, nil
}

func (f *fakeTeam) AddAppID(_ context.Context, _ developer.Team, _ developer.Platform, name, identifier string) (*developer.AppID, error) {
	f.calls["AddAppID"]++
	if f.available == 0 {
		return nil, &developer.ResultError{Code: 9401, Message: "maximum App ID limit reached"}
	}
	f.available--
	a := developer.AppID{
		AppIDID:    fmt.Sprintf("APPID%d", len(f.appIDs)+1),
		Identifier: identifier,
		Name:       name,
		Features:   map[string]any{},
	}
	f.appIDs = append(f.appIDs, a)
	return &a, nil
}

func (f *fakeTeam) UpdateAppID(_ context.Context, _ developer.Team, _ developer.Platform, appID *developer.AppID, features map[string]any) (*developer.AppID, error) {
	f.calls["UpdateAppID"]++
	for i := range f.appIDs {
		if f.appIDs[i].AppIDID != appID.AppIDID {
			continue
		}
		merged := map[string]any{}
		for k, v := range f.appIDs[i].Features {
			merged[k] = v
		}
		for k, v := range features {
			merged[k] = v
		}
		f.appIDs[i].Features = merged
		updated := f.appIDs[i]
		return &updated, nil
	}
	return nil, &developer.ResultError{Code: 35, Message: "App ID not found"}
}

func (f *fakeTeam) ListApplicationGroups(_ context.Context, _ developer.Team, _ developer.Platform) ([]developer.AppGroup, error) {
	f.calls["ListApplicationGroups"]++
	return f.groups, nil
}

func (f *fakeTeam) AddApplicationGroup(_ context.Context, _ developer.Team, _ developer.Platform, identifier, name string) (*developer.AppGroup, error) {
	f.calls["AddApplicationGroup"]++
	g := developer.AppGroup{
		ApplicationGroup: fmt.Sprintf("GRP%d", len(f.groups)+1),
		Identifier:       identifier,
		Name:             name,
	}
	f.groups = append(f.groups, g)
	return &g, nil
}

func (f *fakeTeam) AssignApplicationGroupToAppID(_ context.Context, _ developer.Team, _ developer.Platform, appIDID string, groups []string) error {
	f.calls["AssignApplicationGroupToAppID"]++
	f.assigned[appIDID] = groups
	return nil
}

func (f *fakeTeam) DownloadTeamProvisioningProfile(_ context.Context, _ developer.Team, _ developer.Platform, appIDID string) (*developer.ProvisioningProfile, error) {
	f.calls["DownloadTeamProvisioningProfile"]++
	return &developer.ProvisioningProfile{
		Name:                  "iOS Team Provisioning Profile: *",
		ProvisioningProfileID: "PP-" + appIDID,
		EncodedProfile:        f.profile,
	}, nil
}

type fakeIdentity struct {
	dir   string
	calls int
}

func (f *fakeIdentity) Acquire(_ context.Context, _ developer.Team, _ string) (*certificate.Identity, error) {
	f.calls++
	return &certificate.Identity{
		CertificateID: "CERT1",
		KeyPath:       filepath.Join(f.dir, "key.pem"),
		CertPath:      filepath.Join(f.dir, "cert.pem"),
	}, nil
}

type signCall struct {
	bundleDir, certPath, keyPath, profilePath string
}

type fakeSigner struct {
	calls []signCall
	err   error
}

func (f *fakeSigner) Sign(_ context.Context, bundleDir, certPath, keyPath, profilePath string) error {
	f.calls = append(f.calls, signCall{bundleDir, certPath, keyPath, profilePath})
	return f.err
}

type fakeInstaller struct {
	udid string
	dir  string
}

func (f *fakeInstaller) Install(_ context.Context, udid, bundleDir string, progress func(int)) error {
	f.udid, f.dir = udid, bundleDir
	for _, p := range []int{10, 50, 100} {
		progress(p)
	}
	return nil
}

func writeInfo(t *testing.T, dir string, info map[string]any) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

// loadApp writes an app with one extension per extID and loads it
func loadApp(t *testing.T, root, mainID string, extIDs ...string) *bundle.Bundle {
	t.Helper()
	app := filepath.Join(root, "Acme.app")
	writeInfo(t, app, map[string]any{
		"CFBundleIdentifier": mainID,
		"CFBundleName":       "Acme",
	})
	for i, id := range extIDs {
		writeInfo(t, filepath.Join(app, "PlugIns", fmt.Sprintf("Ext%d.appex", i)), map[string]any{
			"CFBundleIdentifier": id,
			"CFBundleName":       fmt.Sprintf("Ext%d", i),
		})
	}
	b, err := bundle.Load(app)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type harness struct {
	team      *fakeTeam
	signer    *fakeSigner
	installer *fakeInstaller
	orch      *Orchestrator
	progress  []int
}

func newHarness(t *testing.T, available int) *harness {
	t.Helper()
	h := &harness{
		team:      newFakeTeam(available, signedProfile(t, testUDID)),
		signer:    &fakeSigner{},
		installer: &fakeInstaller{},
	}
	h.orch = &Orchestrator{
		Developer:    h.team,
		Certificates: &fakeIdentity{dir: t.TempDir()},
		Signer:       h.signer,
		Installer:    h.installer,
		ConfigDir:    t.TempDir(),
		AppleID:      "jane@example.com",
		Platform:     developer.IOS,
		Progress:     func(p int) { h.progress = append(h.progress, p) },
	}
	return h
}

func TestOrchestrator_ProvisionAndSign(t *testing.T) {
	h := newHarness(t, 10)
	b := loadApp(t, t.TempDir(), "com.acme.app", "com.acme.app.share")
	device := Device{UDID: testUDID, Name: "Jane's iPhone"}

	res, err := h.orch.Provision(t.Context(), b, testTeam, device)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if res.MainAppID != "com.acme.app.ABCDE12345" {
		t.Errorf("MainAppID = %s", res.MainAppID)
	}
	if res.GroupID != "group.com.acme.app.ABCDE12345" {
		t.Errorf("GroupID = %s", res.GroupID)
	}

	var registered []string
	for _, a := range h.team.appIDs {
		registered = append(registered, a.Identifier)
		if !a.Feature(developer.FeatureAppGroups) {
			t.Errorf("%s: app groups not enabled", a.Identifier)
		}
		if got := h.team.assigned[a.AppIDID]; !reflect.DeepEqual(got, []string{"GRP1"}) {
			t.Errorf("%s: assigned groups = %v", a.Identifier, got)
		}
	}
	want := []string{"com.acme.app.ABCDE12345", "com.acme.app.ABCDE12345.share"}
	if !reflect.DeepEqual(registered, want) {
		t.Errorf("registered App IDs = %v, want %v", registered, want)
	}
	if len(h.team.devices) != 1 || h.team.devices[0].DeviceNumber != testUDID {
		t.Errorf("devices = %+v", h.team.devices)
	}
	if len(h.team.groups) != 1 || h.team.groups[0].Identifier != res.GroupID || h.team.groups[0].Name != "Acme" {
		t.Errorf("groups = %+v", h.team.groups)
	}

	wantProfile := filepath.Join(h.orch.ConfigDir, "com.acme.app.ABCDE12345.mobileprovision")
	if res.ProfilePath != wantProfile {
		t.Errorf("ProfilePath = %s, want %s", res.ProfilePath, wantProfile)
	}
	if _, err := os.Stat(wantProfile); err != nil {
		t.Errorf("profile not written: %v", err)
	}
	if res.Profile == nil || !res.Profile.HasDevice(testUDID) {
		t.Errorf("Profile = %+v", res.Profile)
	}

	// identifiers are persisted for the main app and its extensions
	reloaded, err := bundle.Load(b.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if id := reloaded.BundleIdentifier(); id != "com.acme.app.ABCDE12345" {
		t.Errorf("main CFBundleIdentifier = %s", id)
	}
	if id := reloaded.AppExtensions[0].BundleIdentifier(); id != "com.acme.app.ABCDE12345.share" {
		t.Errorf("extension CFBundleIdentifier = %s", id)
	}
	if _, ok := reloaded.Info["ALTAppGroups"]; ok {
		t.Error("ALTAppGroups injected into a non SideStore bundle")
	}

	if len(h.signer.calls) != 1 {
		t.Fatalf("Sign called %d times", len(h.signer.calls))
	}
	call := h.signer.calls[0]
	if call.bundleDir != b.Dir || call.profilePath != wantProfile || call.certPath != res.Identity.CertPath || call.keyPath != res.Identity.KeyPath {
		t.Errorf("Sign(%+v)", call)
	}
	if h.installer.udid != testUDID || h.installer.dir != b.Dir {
		t.Errorf("Install(%s, %s)", h.installer.udid, h.installer.dir)
	}
	if !reflect.DeepEqual(h.progress, []int{10, 50, 100}) {
		t.Errorf("progress = %v", h.progress)
	}
}

func TestOrchestrator_Idempotent(t *testing.T) {
	h := newHarness(t, 10)
	device := Device{UDID: testUDID}

	first := loadApp(t, t.TempDir(), "com.acme.app", "com.acme.app.share")
	if err := h.orch.ProvisionAndSign(t.Context(), first, testTeam, device); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := map[string]int{}
	for k, v := range h.team.calls {
		before[k] = v
	}

	tests := []struct {
		name string
		b    *bundle.Bundle
	}{
		{"fresh copy", loadApp(t, t.TempDir(), "com.acme.app", "com.acme.app.share")},
		{"already rewritten", first},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.orch.ProvisionAndSign(t.Context(), tt.b, testTeam, device); err != nil {
				t.Fatalf("ProvisionAndSign() error = %v", err)
			}
			for _, op := range []string{"AddDevice", "AddAppID", "UpdateAppID", "AddApplicationGroup"} {
				if h.team.calls[op] != before[op] {
					t.Errorf("%s called again", op)
				}
			}
			if id := tt.b.BundleIdentifier(); id != "com.acme.app.ABCDE12345" {
				t.Errorf("CFBundleIdentifier = %s", id)
			}
		})
	}
}

func TestOrchestrator_QuotaExceeded(t *testing.T) {
	h := newHarness(t, 1)
	b := loadApp(t, t.TempDir(), "com.acme.app", "com.acme.app.share")

	err := h.orch.ProvisionAndSign(t.Context(), b, testTeam, Device{UDID: testUDID})

	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepAppIDs {
		t.Fatalf("error = %v, want appids ProvisionError", err)
	}
	var qerr *QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("error = %v, want *QuotaExceededError", err)
	}
	if qerr.Required != 2 || qerr.Available != 1 {
		t.Errorf("QuotaExceededError = %+v", qerr)
	}
	if n := h.team.calls["AddAppID"]; n != 0 {
		t.Errorf("AddAppID called %d times", n)
	}
	if len(h.signer.calls) != 0 {
		t.Error("bundle was signed")
	}
}

func TestOrchestrator_ExtensionConflict(t *testing.T) {
	h := newHarness(t, 10)
	b := loadApp(t, t.TempDir(), "com.example.app", "com.example.app.widget", "com.other.ext")

	err := h.orch.ProvisionAndSign(t.Context(), b, testTeam, Device{UDID: testUDID})

	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepValidate {
		t.Fatalf("error = %v, want validate ProvisionError", err)
	}
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if cerr.Identifier != "com.other.ext" || cerr.MainIdentifier != "com.example.app" {
		t.Errorf("ConflictError = %+v", cerr)
	}
	if n := h.team.mutations(); n != 0 {
		t.Errorf("%d mutations before the conflict was detected", n)
	}
	if len(h.team.calls) != 0 {
		t.Errorf("developer calls = %v", h.team.calls)
	}
	if id := b.BundleIdentifier(); id != "com.example.app" {
		t.Errorf("bundle rewritten to %s", id)
	}
}

func TestOrchestrator_SideStoreAppGroups(t *testing.T) {
	h := newHarness(t, 10)
	h.orch.Installer = nil
	b := loadApp(t, t.TempDir(), sideStoreBundleID)

	if err := h.orch.ProvisionAndSign(t.Context(), b, testTeam, Device{UDID: testUDID}); err != nil {
		t.Fatalf("ProvisionAndSign() error = %v", err)
	}

	reloaded, err := bundle.Load(b.Dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"group.com.SideStore.SideStore.ABCDE12345"}
	if got := reloaded.Info["ALTAppGroups"]; !reflect.DeepEqual(got, want) {
		t.Errorf("ALTAppGroups = %#v, want %#v", got, want)
	}
	if h.installer.udid != "" {
		t.Error("installer used without being configured")
	}
}

func TestOrchestrator_ReusesExistingState(t *testing.T) {
	h := newHarness(t, 10)
	h.team.devices = []developer.Device{{DeviceID: "DEV9", Name: "iPad", DeviceNumber: testUDID}}
	h.team.appIDs = []developer.AppID{{
		AppIDID:    "APPID9",
		Identifier: "com.acme.app.ABCDE12345",
		Name:       "Acme",
		Features:   map[string]any{developer.FeatureAppGroups: true},
	}}
	h.team.groups = []developer.AppGroup{{
		ApplicationGroup: "GRP9",
		Identifier:       "group.com.acme.app.ABCDE12345",
		Name:             "Acme",
	}}
	b := loadApp(t, t.TempDir(), "com.acme.app")

	if err := h.orch.ProvisionAndSign(t.Context(), b, testTeam, Device{UDID: testUDID}); err != nil {
		t.Fatalf("ProvisionAndSign() error = %v", err)
	}
	for _, op := range []string{"AddDevice", "AddAppID", "UpdateAppID", "AddApplicationGroup"} {
		if n := h.team.calls[op]; n != 0 {
			t.Errorf("%s called %d times", op, n)
		}
	}
	if got := h.team.assigned["APPID9"]; !reflect.DeepEqual(got, []string{"GRP9"}) {
		t.Errorf("assigned = %v", got)
	}
}

func TestOrchestrator_SignFailure(t *testing.T) {
	h := newHarness(t, 10)
	h.signer.err = errors.New("zsign exited with status 1")
	b := loadApp(t, t.TempDir(), "com.acme.app")

	err := h.orch.ProvisionAndSign(t.Context(), b, testTeam, Device{UDID: testUDID})
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepFinalize {
		t.Fatalf("error = %v, want finalize ProvisionError", err)
	}
	if h.installer.udid != "" {
		t.Error("unsigned bundle was installed")
	}
}

func TestInspectProfile(t *testing.T) {
	p, err := InspectProfile(signedProfile(t, "AAAA", testUDID))
	if err != nil {
		t.Fatalf("InspectProfile() error = %v", err)
	}
	if p.UUID != "5C2E6B0A-3F2D-4D8C-9E1B-7A6F5D4C3B2A" {
		t.Errorf("UUID = %s", p.UUID)
	}
	if !reflect.DeepEqual(p.TeamIdentifier, []string{testTeamID}) {
		t.Errorf("TeamIdentifier = %v", p.TeamIdentifier)
	}
	if !p.ExpirationDate.Equal(time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ExpirationDate = %v", p.ExpirationDate)
	}
	if !p.HasDevice(testUDID) || p.HasDevice("BBBB") {
		t.Errorf("ProvisionedDevices = %v", p.ProvisionedDevices)
	}

	if _, err := InspectProfile([]byte("not a profile")); err == nil {
		t.Error("InspectProfile() accepted garbage")
	}
}
