package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"launchbase/pkg/domain"
	"launchbase/pkg/export"
	"launchbase/services/estimator/internal/pipeline"
)

func newEstimateCmd(a *app) *cobra.Command {
	var requestPath, outPath, exportDir string
	cmd := &cobra.Command{
		Use:   "estimate --request FILE",
		Short: "Run one estimate offline from a request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.snapshot()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			raw, err := os.ReadFile(requestPath)
			if err != nil {
				return fail(cmd, "read request: "+err.Error(), nil)
			}
			var req pipeline.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				return fail(cmd, "decode request: "+err.Error(), nil)
			}
			res, err := pipeline.New(snap, nil, a.logger.Named("pipeline")).Run(cmd.Context(), "local", req)
			if err != nil {
				var ce *pipeline.ContractError
				if errors.As(err, &ce) {
					return fail(cmd, err.Error(), map[string]any{"stage": ce.Stage, "errors": ce.Result.Errors})
				}
				return fail(cmd, err.Error(), nil)
			}

			data := map[string]any{
				"estimate_id": res.EstimateID,
				"schema_hash": res.SchemaHash,
				"line_items":  len(res.Estimate.LineItems),
				"gap_flags":   len(res.Estimate.Quality.GapFlags),
			}
			if outPath != "" {
				b, err := json.MarshalIndent(res.Estimate, "", "  ")
				if err != nil {
					return fail(cmd, err.Error(), nil)
				}
				if err := os.WriteFile(outPath, b, 0o644); err != nil {
					return fail(cmd, "write estimate: "+err.Error(), nil)
				}
				data["out"] = outPath
			} else {
				data["estimate"] = res.Estimate
			}
			if exportDir != "" {
				paths, err := export.WriteDir(exportDir, res.Estimate)
				if err != nil {
					return fail(cmd, "export: "+err.Error(), data)
				}
				data["exported"] = paths
			}
			return pass(cmd, data)
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "", "estimate request JSON")
	cmd.Flags().StringVar(&outPath, "out", "", "write the EstimateChainV1 payload here")
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "also write CSV sheets into this directory")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var estimatePath, dir string
	cmd := &cobra.Command{
		Use:   "export --estimate FILE --dir DIR",
		Short: "Write the CSV sheets for a validated EstimateChainV1 payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.snapshot()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			raw, err := os.ReadFile(estimatePath)
			if err != nil {
				return fail(cmd, "read estimate: "+err.Error(), nil)
			}
			if vr := snap.Validator().ValidateJSON(domain.ContractEstimateChainV1, raw); !vr.Valid {
				return fail(cmd, vr.Error(), map[string]any{"errors": vr.Errors})
			}
			var out domain.EstimateChainOutput
			if err := json.Unmarshal(raw, &out); err != nil {
				return fail(cmd, "decode estimate: "+err.Error(), nil)
			}
			paths, err := export.WriteDir(dir, &out)
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			return pass(cmd, map[string]any{"exported": paths})
		},
	}
	cmd.Flags().StringVar(&estimatePath, "estimate", "", "EstimateChainV1 JSON file")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory")
	_ = cmd.MarkFlagRequired("estimate")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
