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

// Package clitools contains helpers for interactive subcommands.
package clitools

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var stdinScanner = bufio.NewScanner(os.Stdin)

// Confirmation asks the user a yes/no question on stderr. def is returned
// when the answer is empty or not recognized.
func Confirmation(prompt string, def bool) bool {
	return confirm(stdinScanner, os.Stderr, prompt, def)
}

func confirm(sc *bufio.Scanner, out io.Writer, prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(out, "%s [%s]: ", prompt, selection)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			fmt.Fprintln(out, err)
		}
		return false
	}

	switch sc.Text() {
	case "Y", "y", "yes":
		return true
	case "N", "n", "no":
		return false
	default:
		return def
	}
}

// ReadPassword prints the prompt on stderr and reads a password from stdin.
// Echo is turned off while reading if stdin is a terminal, otherwise a
// single line is read.
func ReadPassword(prompt string) (string, error) {
	return readPassword(int(os.Stdin.Fd()), stdinScanner, os.Stderr, prompt)
}

func readPassword(fd int, sc *bufio.Scanner, out io.Writer, prompt string) (string, error) {
	if !term.IsTerminal(fd) {
		return readLine(sc, out, prompt)
	}

	fmt.Fprintf(out, "%s: ", prompt)
	buf, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLine(sc *bufio.Scanner, out io.Writer, prompt string) (string, error) {
	fmt.Fprintf(out, "%s: ", prompt)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return sc.Text(), nil
}
