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

package exterrors

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

type EnhancedCode smtp.EnhancedCode

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is a type of errors that should be reported to the SMTP client
// as-is. Message is the text sent to the client, Reason and Err are only
// logged.
type SMTPError struct {
	// Code is the SMTP status code. 4xx codes make the error temporary.
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// Reason is a short human-readable explanation for logs.
	Reason string

	// Err is the underlying error, if any. It is never sent to the client.
	Err error

	// ActionName and ConditionName identify the routing component that
	// produced the error.
	ActionName    string
	ConditionName string

	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.ActionName != "" {
		ctx["action"] = se.ActionName
	}
	if se.ConditionName != "" {
		ctx["condition"] = se.ConditionName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

// SMTP converts the error into the go-smtp representation sent to the client.
func (se *SMTPError) SMTP() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         se.Code,
		EnhancedCode: smtp.EnhancedCode(se.EnhancedCode),
		Message:      se.Message,
	}
}

// SMTPCode returns the status code to use for err: the code of an SMTPError
// in its chain or one of the defaults depending on IsTemporaryOrUnspec.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	var goSMTPErr *smtp.SMTPError
	if errors.As(err, &goSMTPErr) {
		return goSMTPErr.Code
	}
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode returns the enhanced code to use for err. The class digit of
// def is replaced to agree with code.
func SMTPEnchCode(err error, def EnhancedCode) EnhancedCode {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.EnhancedCode
	}
	var goSMTPErr *smtp.SMTPError
	if errors.As(err, &goSMTPErr) {
		return EnhancedCode(goSMTPErr.EnhancedCode)
	}
	if IsTemporaryOrUnspec(err) {
		return EnhancedCode{4, def[1], def[2]}
	}
	return EnhancedCode{5, def[1], def[2]}
}
