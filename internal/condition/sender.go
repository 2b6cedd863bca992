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

	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

func newSenderIs(s module.Spec) (module.Condition, error) {
	addrs, err := listArg(s, "addrs")
	if err != nil {
		return nil, err
	}
	set, err := newAddrSet(addrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		return m.Sender != "" && set.has(m.Sender), nil
	}), nil
}

func newSenderIsNull(s module.Spec) (module.Condition, error) {
	if err := noArgs(s); err != nil {
		return nil, err
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		return m.Sender == "", nil
	}), nil
}

func newSenderHostIs(s module.Spec) (module.Condition, error) {
	domains, err := listArg(s, "domains")
	if err != nil {
		return nil, err
	}
	set, err := dns.NewDomainSet(domains)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		if m.Sender == "" {
			return false, nil
		}
		return set.Has(address.Domain(m.Sender)), nil
	}), nil
}

func newSenderInTable(s module.Spec) (module.Condition, error) {
	tbl, key, err := tableCondition(s)
	if err != nil {
		return nil, err
	}
	return mailFunc(func(ctx context.Context, m *mail.Mail) (bool, error) {
		if m.Sender == "" {
			return false, nil
		}
		k := key(m.Sender)
		if k == "" {
			return false, nil
		}
		_, ok, err := tbl.Lookup(ctx, k)
		return ok, err
	}), nil
}

func init() {
	module.RegisterCondition("SenderIs", newSenderIs)
	module.RegisterCondition("SenderIsNull", newSenderIsNull)
	module.RegisterCondition("SenderHostIs", newSenderHostIs)
	module.RegisterCondition("SenderInTable", newSenderInTable)
}
