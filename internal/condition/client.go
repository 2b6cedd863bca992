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

package condition

import (
	"context"
	"fmt"
	"net"

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"golang.org/x/text/cases"
)

func newSMTPAuthSuccessful(s module.Spec) (module.Condition, error) {
	if err := noArgs(s); err != nil {
		return nil, err
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		return m.StringAttr(mail.AttrAuthUser) != "", nil
	}), nil
}

func newSMTPAuthUserIs(s module.Spec) (module.Condition, error) {
	users, err := listArg(s, "users")
	if err != nil {
		return nil, err
	}
	fold := cases.Fold()
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[fold.String(u)] = struct{}{}
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		user := m.StringAttr(mail.AttrAuthUser)
		if user == "" {
			return false, nil
		}
		_, ok := set[fold.String(user)]
		return ok, nil
	}), nil
}

// newRemoteAddrInNetwork matches mail submitted from one of the listed
// networks. Mail not received over TCP never matches.
func newRemoteAddrInNetwork(s module.Spec) (module.Condition, error) {
	list, err := listArg(s, "networks")
	if err != nil {
		return nil, err
	}
	nets, err := parseCIDRs(list)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		ip := m.RemoteIP()
		if ip == nil {
			return false, nil
		}
		return containsIP(nets, ip), nil
	}), nil
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func init() {
	module.RegisterCondition("SMTPAuthSuccessful", newSMTPAuthSuccessful)
	module.RegisterCondition("SMTPAuthUserIs", newSMTPAuthUserIs)
	module.RegisterCondition("RemoteAddrInNetwork", newRemoteAddrInNetwork)
}
