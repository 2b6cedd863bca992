/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package action

import (
	"context"
	"fmt"

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// ToRepository stores the fragment in a mail repository.
type ToRepository struct {
	Name        string
	Repo        module.Repository
	Passthrough bool
}

func (a ToRepository) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	key, err := a.Repo.Store(ctx, m)
	if err != nil {
		return module.Continue, fmt.Errorf("repository %s: %w", a.Name, err)
	}
	m.SetAttr("repository_key", key)
	if a.Passthrough {
		return module.Continue, nil
	}
	return module.Ghost, nil
}

func newToRepository(s module.Spec) (module.Action, error) {
	params := struct {
		Repository  string `mapstructure:"repository"`
		Passthrough bool   `mapstructure:"passthrough"`
	}{Repository: s.Arg}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Repository == "" {
		return nil, fmt.Errorf("%s: repository name required", s.Name)
	}
	repo, err := s.Globals.Repository(params.Repository)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return ToRepository{
		Name:        params.Repository,
		Repo:        repo,
		Passthrough: params.Passthrough,
	}, nil
}

func init() {
	module.RegisterAction("ToRepository", newToRepository)
}
