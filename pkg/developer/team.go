package developer

import (
	"context"

	"github.com/blacktop/sideload/internal/errs"
)

// Team is a developer team the account belongs to
type Team struct {
	Name   string `plist:"name"`
	TeamID string `plist:"teamId"`
	Type   string `plist:"type,omitempty"`
	Status string `plist:"status,omitempty"`
}

type listTeamsResponse struct {
	Teams *[]Team `plist:"teams"`
}

// ListTeams returns the account's teams
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	resp, err := send[listTeamsResponse](ctx, c, Any, "listTeams", nil)
	if err != nil {
		return nil, err
	}
	if resp.Teams == nil {
		return nil, errs.Missing("listTeams response", "teams")
	}
	for _, t := range *resp.Teams {
		if t.TeamID == "" {
			return nil, errs.Missing("team", "teamId")
		}
	}
	return *resp.Teams, nil
}
