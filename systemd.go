//go:build linux

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

package mailflow

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/foxcpp/mailflow/framework/log"
)

type SDStatus string

const (
	SDReady     SDStatus = "READY=1"
	SDReloading SDStatus = "RELOADING=1"
	SDStopping  SDStatus = "STOPPING=1"
)

var ErrNoNotifySock = errors.New("no systemd socket")

func sdNotifySock() (*net.UnixConn, error) {
	sockAddr := os.Getenv("NOTIFY_SOCKET")
	if sockAddr == "" {
		return nil, ErrNoNotifySock
	}
	if strings.HasPrefix(sockAddr, "@") {
		sockAddr = "\x00" + sockAddr[1:]
	}

	return net.DialUnix("unixgram", nil, &net.UnixAddr{
		Name: sockAddr,
		Net:  "unixgram",
	})
}

// sdNotify sends the message to the service manager. Errors are logged,
// running without systemd is not an error.
func sdNotify(msg string) {
	sock, err := sdNotifySock()
	if err != nil {
		if !errors.Is(err, ErrNoNotifySock) {
			log.Println("systemd: failed to acquire notify socket:", err)
		}
		return
	}
	defer sock.Close()

	if _, err := sock.Write([]byte(msg)); err != nil {
		log.Println("systemd: I/O error:", err)
		return
	}
	log.Debugf("systemd: %s", strings.ReplaceAll(msg, "\n", " "))
}

func systemdStatus(status SDStatus, desc string) {
	if desc == "" {
		sdNotify(string(status))
		return
	}
	sdNotify(fmt.Sprintf("%s\nSTATUS=%s", status, desc))
}

func systemdStatusErr(reportedErr error) {
	var errno syscall.Errno
	if errors.As(reportedErr, &errno) {
		sdNotify(fmt.Sprintf("ERRNO=%d\nSTATUS=%v", errno, reportedErr))
		return
	}
	sdNotify(fmt.Sprintf("STATUS=%v", reportedErr))
}
