package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchbase/pkg/handshake"
)

func newHandshakeCmd(a *app) *cobra.Command {
	var baseURL, agentID, agentVersion string
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Claim this build's contracts against a running estimator",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.snapshot()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			timeout, err := a.cfg.HandshakeTimeout()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			if baseURL == "" {
				baseURL = a.cfg.Handshake.BaseURL
			}
			req := handshake.Request{AgentID: agentID, AgentVersion: agentVersion}
			for _, e := range snap.ExpectedContracts() {
				req.Contracts = append(req.Contracts, handshake.ContractClaim{Name: e.Name, Version: e.Version, SchemaHash: e.SchemaHash})
			}
			resp, err := handshake.NewClient(baseURL, timeout).Handshake(cmd.Context(), req)
			if err != nil {
				a.logger.Warn("handshake call failed", zap.String("base_url", baseURL), zap.Error(err))
				return fail(cmd, err.Error(), nil)
			}
			if !resp.OK {
				return fail(cmd, "handshake mismatch", resp)
			}
			return pass(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "estimator base URL (default handshake.base_url)")
	cmd.Flags().StringVar(&agentID, "agent-id", "estctl", "agent id reported to the server")
	cmd.Flags().StringVar(&agentVersion, "agent-version", "dev", "agent version reported to the server")
	return cmd
}
