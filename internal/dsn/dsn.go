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

// Package dsn generates delivery status notifications (RFC 3464) for mail
// bounced by the router.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"golang.org/x/net/idna"
)

const dateFormat = "Mon, 2 Jan 2006 15:04:05 -0700"

type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// Envelope sender of the bounced mail, included as the
	// 'X-Mailflow-Sender: rfc822; ADDR' field.
	XSender string

	// Name of the bounced mail, included as 'X-Mailflow-Name'.
	XMailName string

	ArrivalDate     time.Time
	LastAttemptDate time.Time

	// Notice is an optional paragraph for the human-readable part.
	Notice string
}

func toASCII(domain string) (string, error) {
	return idna.ToASCII(strings.TrimSuffix(domain, "."))
}

func (info ReportingMTAInfo) WriteTo(w io.Writer) error {
	h := textproto.Header{}

	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}
	reportingMTA, err := toASCII(info.ReportingMTA)
	if err != nil {
		return fmt.Errorf("dsn: malformed Reporting-MTA: %w", err)
	}
	h.Add("Reporting-MTA", "dns; "+reportingMTA)

	if info.ReceivedFromMTA != "" {
		receivedFrom, err := toASCII(info.ReceivedFromMTA)
		if err != nil {
			return fmt.Errorf("dsn: malformed Received-From-MTA: %w", err)
		}
		h.Add("Received-From-MTA", "dns; "+receivedFrom)
	}

	if info.XSender != "" {
		h.Add("X-Mailflow-Sender", "rfc822; "+info.XSender)
	}
	if info.XMailName != "" {
		h.Add("X-Mailflow-Name", info.XMailName)
	}
	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format(dateFormat))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format(dateFormat))
	}

	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status exterrors.EnhancedCode

	// DiagnosticCode is the error reported to the sender.
	DiagnosticCode error
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

func (info RecipientInfo) WriteTo(w io.Writer) error {
	h := textproto.Header{}

	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	h.Add("Final-Recipient", "rfc822; "+info.FinalRecipient)

	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	h.Add("Action", string(info.Action))

	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}
	h.Add("Status", fmt.Sprintf("%d.%d.%d", info.Status[0], info.Status[1], info.Status[2]))

	var smtpErr *exterrors.SMTPError
	switch {
	case info.DiagnosticCode == nil:
	case errors.As(info.DiagnosticCode, &smtpErr):
		// Remote servers can send multi-line messages.
		h.Add("Diagnostic-Code", fmt.Sprintf("smtp; %d %d.%d.%d %s",
			smtpErr.Code, smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2],
			oneLine(smtpErr.Message)))
	default:
		h.Add("Diagnostic-Code", "X-Mailflow; "+oneLine(info.DiagnosticCode.Error()))
	}

	if info.RemoteMTA != "" {
		remoteMTA, err := toASCII(info.RemoteMTA)
		if err != nil {
			return fmt.Errorf("dsn: malformed Remote-MTA: %w", err)
		}
		h.Add("Remote-MTA", "dns; "+remoteMTA)
	}

	return textproto.WriteHeader(w, h)
}

type Envelope struct {
	MsgID string
	From  string
	To    string
}

// Generate writes the body of a DSN to out and returns its header.
//
// failedHeader is the header of the bounced message, it is attached as the
// third part of the report.
func Generate(envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, out io.Writer) (textproto.Header, error) {
	partWriter := textproto.NewMultipartWriter(out)

	reportHeader := textproto.Header{}
	reportHeader.Add("Date", time.Now().Format(dateFormat))
	reportHeader.Add("Message-Id", envelope.MsgID)
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("To", envelope.To)
	reportHeader.Add("From", envelope.From)
	reportHeader.Add("Subject", "Undelivered Mail Returned to Sender")

	if err := writeHumanReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeMachineReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeHeader(partWriter, failedHeader); err != nil {
		return textproto.Header{}, err
	}
	return reportHeader, partWriter.Close()
}

func writeHeader(w *textproto.MultipartWriter, header textproto.Header) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Description", "Undelivered message header")
	partHeader.Add("Content-Type", "message/rfc822-headers")
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	headerWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(headerWriter, header)
}

func writeMachineReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	machineHeader := textproto.Header{}
	machineHeader.Add("Content-Type", "message/delivery-status")
	machineHeader.Add("Content-Description", "Delivery report")
	machineWriter, err := w.CreatePart(machineHeader)
	if err != nil {
		return err
	}

	// WriteTo adds an empty line after each block.
	if err := mtaInfo.WriteTo(machineWriter); err != nil {
		return err
	}
	for _, rcpt := range rcptsInfo {
		if err := rcpt.WriteTo(machineWriter); err != nil {
			return err
		}
	}
	return nil
}

var failedText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.ReportingMTA}}.

Your message could not be delivered to one or more recipients.
{{- if .Notice}}

{{.Notice}}
{{- end}}

Contact the postmaster for further assistance, provide the message name
(below):

Message name: {{.XMailName}}
Arrival: {{.ArrivalDate}}

`))

func writeHumanReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	humanHeader := textproto.Header{}
	humanHeader.Add("Content-Transfer-Encoding", "8bit")
	humanHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	humanHeader.Add("Content-Description", "Notification")
	humanWriter, err := w.CreatePart(humanHeader)
	if err != nil {
		return err
	}

	mtaInfo.ArrivalDate = mtaInfo.ArrivalDate.Truncate(time.Second)
	if err := failedText.Execute(humanWriter, mtaInfo); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if _, err := fmt.Fprintf(humanWriter, "Delivery to %s failed with error: %v\n", rcpt.FinalRecipient, rcpt.DiagnosticCode); err != nil {
			return err
		}
	}
	return nil
}
