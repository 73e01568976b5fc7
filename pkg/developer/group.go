package developer

import (
	"context"

	"github.com/blacktop/sideload/internal/errs"
)

// AppGroup is an application group (group.<bundle id>)
type AppGroup struct {
	ApplicationGroup string `plist:"applicationGroup"`
	Identifier       string `plist:"identifier"`
	Name             string `plist:"name"`
}

func (g *AppGroup) validate() error {
	switch {
	case g.ApplicationGroup == "":
		return errs.Missing("application group", "applicationGroup")
	case g.Identifier == "":
		return errs.Missing("application group", "identifier")
	}
	return nil
}

type listGroupsResponse struct {
	Groups *[]AppGroup `plist:"applicationGroupList"`
}

type addGroupResponse struct {
	Group *AppGroup `plist:"applicationGroup"`
}

// ListApplicationGroups returns the team's application groups
func (c *Client) ListApplicationGroups(ctx context.Context, team Team, platform Platform) ([]AppGroup, error) {
	resp, err := send[listGroupsResponse](ctx, c, platform, "listApplicationGroups", map[string]any{
		"teamId": team.TeamID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Groups == nil {
		return nil, errs.Missing("listApplicationGroups response", "applicationGroupList")
	}
	for i := range *resp.Groups {
		if err := (*resp.Groups)[i].validate(); err != nil {
			return nil, err
		}
	}
	return *resp.Groups, nil
}

// AddApplicationGroup registers a new application group
func (c *Client) AddApplicationGroup(ctx context.Context, team Team, platform Platform, identifier, name string) (*AppGroup, error) {
	resp, err := send[addGroupResponse](ctx, c, platform, "addApplicationGroup", map[string]any{
		"teamId":     team.TeamID,
		"identifier": identifier,
		"name":       name,
	})
	if err != nil {
		return nil, err
	}
	if resp.Group == nil {
		return nil, errs.Missing("addApplicationGroup response", "applicationGroup")
	}
	if err := resp.Group.validate(); err != nil {
		return nil, err
	}
	return resp.Group, nil
}

// AssignApplicationGroupToAppID assigns the groups (applicationGroup tokens) to the App ID
func (c *Client) AssignApplicationGroupToAppID(ctx context.Context, team Team, platform Platform, appIDID string, groups []string) error {
	_, err := send[empty](ctx, c, platform, "assignApplicationGroupToAppId", map[string]any{
		"teamId":            team.TeamID,
		"appIdId":           appIDID,
		"applicationGroups": groups,
	})
	return err
}
