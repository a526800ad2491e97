package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

// errReported marks a failure whose FAIL line has already been printed.
var errReported = errors.New("reported")

// summary is the single JSON line every command prints.
type summary struct {
	Command      string `json:"command"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Data         any    `json:"data,omitempty"`
	TimestampUTC string `json:"timestamp_utc"`
}

func emit(cmd *cobra.Command, s summary) {
	s.TimestampUTC = nowUTC().Format("2006-01-02T15:04:05Z")
	b, _ := json.Marshal(s)
	_, _ = cmd.OutOrStdout().Write(append(b, '\n'))
}

func pass(cmd *cobra.Command, data any) error {
	emit(cmd, summary{Command: cmd.CommandPath(), Status: "PASS", Data: data})
	return nil
}

func fail(cmd *cobra.Command, reason string, data any) error {
	emit(cmd, summary{Command: cmd.CommandPath(), Status: "FAIL", Reason: reason, Data: data})
	return errReported
}
