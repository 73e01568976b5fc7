/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/config"
	"github.com/blacktop/sideload/internal/prompt"
	"github.com/blacktop/sideload/internal/secret"
	"github.com/blacktop/sideload/pkg/anisette"
	"github.com/blacktop/sideload/pkg/developer"
	"github.com/blacktop/sideload/pkg/gsa"
	"github.com/fatih/color"
	"github.com/spf13/viper"
)

var (
	colorTeam  = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	colorID    = color.New(color.FgHiMagenta).SprintFunc()
	colorField = color.New(color.Bold, color.FgHiCyan).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
	colorWarn  = color.New(color.FgYellow).SprintFunc()
)

// app is everything a command needs to talk to Apple
type app struct {
	conf     *config.Config
	store    secret.Store
	anisette *anisette.Provider
	creds    *prompt.StoredCredentials
	auth     *gsa.Authenticator
	dev      *developer.Client
}

func newApp(remember bool) (*app, error) {
	color.NoColor = viper.GetBool("no-color")

	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.ConfigDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", conf.ConfigDir, err)
	}

	store := secret.NewKeyringStore(conf.SecretConfig())
	ani, err := anisette.NewProvider(conf.AnisetteConfig(), store)
	if err != nil {
		return nil, fmt.Errorf("failed to create anisette provider: %w", err)
	}

	term := &prompt.Terminal{AppleID: viper.GetString("apple-id")}
	creds := &prompt.StoredCredentials{
		Store:    store,
		Service:  conf.Keyring.Service,
		Fallback: term,
		Remember: remember,
	}
	auth := gsa.NewAuthenticator(gsa.NewClient(conf.GSAConfig(), ani), creds, term)

	return &app{
		conf:     conf,
		store:    store,
		anisette: ani,
		creds:    creds,
		auth:     auth,
		dev:      developer.NewClient(conf.DeveloperConfig(), auth, ani),
	}, nil
}

// team returns the --team team or asks the user to pick one
func (a *app) team(ctx context.Context) (developer.Team, error) {
	teams, err := a.dev.ListTeams(ctx)
	if err != nil {
		return developer.Team{}, fmt.Errorf("failed to list teams: %w", err)
	}
	if len(teams) == 0 {
		return developer.Team{}, fmt.Errorf("account has no developer teams")
	}

	if id := viper.GetString("team"); id != "" {
		for _, t := range teams {
			if strings.EqualFold(t.TeamID, id) {
				return t, nil
			}
		}
		return developer.Team{}, fmt.Errorf("team %s not found", id)
	}

	choices := make([]string, 0, len(teams))
	for _, t := range teams {
		choices = append(choices, fmt.Sprintf("%s (%s)", t.Name, t.TeamID))
	}
	idx, err := prompt.Select(ctx, "Select a team:", choices)
	if err != nil {
		return developer.Team{}, err
	}
	log.WithFields(log.Fields{"team": teams[idx].Name, "id": teams[idx].TeamID}).Debug("Using team")
	return teams[idx], nil
}
