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

package openmetrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
)

func TestEndpoint(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailflow",
		Name:      "test_total",
		Help:      "Test counter",
	})
	reg.MustRegister(c)
	c.Add(3)

	e, err := New(config.OpenMetrics{Listen: "127.0.0.1:0"}, reg, testutils.Logger(t, modName))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Listen(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	resp, err := http.Get("http://" + e.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "mailflow_test_total 3") {
		t.Errorf("counter is missing from the output:\n%s", body)
	}
}

func TestNew_NoListen(t *testing.T) {
	if _, err := New(config.OpenMetrics{}, prometheus.NewRegistry(), testutils.Logger(t, modName)); err == nil {
		t.Fatal("expected an error")
	}
}
