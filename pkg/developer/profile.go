package developer

import (
	"context"

	"github.com/blacktop/sideload/internal/errs"
)

// ProvisioningProfile is a downloaded team provisioning profile
type ProvisioningProfile struct {
	Name                  string `plist:"name"`
	ProvisioningProfileID string `plist:"provisioningProfileId"`
	// EncodedProfile is the signed .mobileprovision blob
	EncodedProfile []byte `plist:"encodedProfile"`
}

type downloadProfileResponse struct {
	Profile *ProvisioningProfile `plist:"provisioningProfile"`
}

// DownloadTeamProvisioningProfile downloads the team profile for the App ID
func (c *Client) DownloadTeamProvisioningProfile(ctx context.Context, team Team, platform Platform, appIDID string) (*ProvisioningProfile, error) {
	resp, err := send[downloadProfileResponse](ctx, c, platform, "downloadTeamProvisioningProfile", map[string]any{
		"teamId":  team.TeamID,
		"appIdId": appIDID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Profile == nil {
		return nil, errs.Missing("downloadTeamProvisioningProfile response", "provisioningProfile")
	}
	if len(resp.Profile.EncodedProfile) == 0 {
		return nil, errs.Missing("provisioning profile", "encodedProfile")
	}
	return resp.Profile, nil
}
