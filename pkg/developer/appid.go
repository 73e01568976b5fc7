package developer

import (
	"context"
	"time"

	"github.com/blacktop/sideload/internal/errs"
)

// Well known App ID feature keys
const (
	FeatureAppGroups       = "APG3427HIY"
	FeatureIncreasedMemory = "INC_MEM_LMT"
)

// AppID is an explicit App ID registered to a team
type AppID struct {
	AppIDID        string         `plist:"appIdId"`
	Identifier     string         `plist:"identifier"`
	Name           string         `plist:"name"`
	Features       map[string]any `plist:"features"`
	ExpirationDate *time.Time     `plist:"expirationDate,omitempty"`
}

// Feature reports whether feature is enabled; a missing feature is disabled
func (a *AppID) Feature(feature string) bool {
	switch v := a.Features[feature].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true" || v == "YES"
	case uint64:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

func (a *AppID) validate() error {
	switch {
	case a.AppIDID == "":
		return errs.Missing("app id", "appIdId")
	case a.Identifier == "":
		return errs.Missing("app id", "identifier")
	}
	return nil
}

// AppIDList is the team's App IDs plus the remaining quota
type AppIDList struct {
	AppIDs            []AppID
	MaxQuantity       int
	AvailableQuantity int
}

type listAppIDsResponse struct {
	AppIDs            *[]AppID `plist:"appIds"`
	MaxQuantity       *int     `plist:"maxQuantity"`
	AvailableQuantity *int     `plist:"availableQuantity"`
}

type appIDResponse struct {
	AppID *AppID `plist:"appId"`
}

// ListAppIDs returns the team's App IDs and how many more may be registered
func (c *Client) ListAppIDs(ctx context.Context, team Team, platform Platform) (*AppIDList, error) {
	resp, err := send[listAppIDsResponse](ctx, c, platform, "listAppIds", map[string]any{
		"teamId": team.TeamID,
	})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.AppIDs == nil:
		return nil, errs.Missing("listAppIds response", "appIds")
	case resp.MaxQuantity == nil:
		return nil, errs.Missing("listAppIds response", "maxQuantity")
	case resp.AvailableQuantity == nil:
		return nil, errs.Missing("listAppIds response", "availableQuantity")
	}
	for i := range *resp.AppIDs {
		if err := (*resp.AppIDs)[i].validate(); err != nil {
			return nil, err
		}
	}
	return &AppIDList{
		AppIDs:            *resp.AppIDs,
		MaxQuantity:       *resp.MaxQuantity,
		AvailableQuantity: *resp.AvailableQuantity,
	}, nil
}

// AddAppID registers identifier as a new App ID
func (c *Client) AddAppID(ctx context.Context, team Team, platform Platform, name, identifier string) (*AppID, error) {
	resp, err := send[appIDResponse](ctx, c, platform, "addAppId", map[string]any{
		"teamId":     team.TeamID,
		"name":       name,
		"identifier": identifier,
	})
	if err != nil {
		return nil, err
	}
	if resp.AppID == nil {
		return nil, errs.Missing("addAppId response", "appId")
	}
	if err := resp.AppID.validate(); err != nil {
		return nil, err
	}
	return resp.AppID, nil
}

// UpdateAppID sets the given feature flags on appID and returns the updated App ID
func (c *Client) UpdateAppID(ctx context.Context, team Team, platform Platform, appID *AppID, features map[string]any) (*AppID, error) {
	fields := map[string]any{
		"teamId":  team.TeamID,
		"appIdId": appID.AppIDID,
	}
	for k, v := range features {
		fields[k] = v
	}
	resp, err := send[appIDResponse](ctx, c, platform, "updateAppId", fields)
	if err != nil {
		return nil, err
	}
	if resp.AppID == nil {
		return nil, errs.Missing("updateAppId response", "appId")
	}
	if resp.AppID.Features == nil {
		return nil, errs.Missing("updateAppId response", "appId.features")
	}
	updated := *appID
	updated.Features = resp.AppID.Features
	return &updated, nil
}

// DeleteAppID removes the App ID
func (c *Client) DeleteAppID(ctx context.Context, team Team, platform Platform, appIDID string) error {
	_, err := send[empty](ctx, c, platform, "deleteAppId", map[string]any{
		"teamId":  team.TeamID,
		"appIdId": appIDID,
	})
	return err
}
