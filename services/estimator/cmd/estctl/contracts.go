package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"launchbase/pkg/canonhash"
	"launchbase/pkg/contracts"
)

type contractHash struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	SchemaFile string `json:"schema_file,omitempty"`
	Mode       string `json:"mode"`
	SchemaHash string `json:"schema_hash"`
	Locked     bool   `json:"locked"`
}

type fileHash struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	SchemaHash string `json:"schema_hash"`
}

func newHashCmd(a *app) *cobra.Command {
	var (
		files     []string
		canonical bool
	)
	cmd := &cobra.Command{
		Use:   "hash [contract...]",
		Short: "Print the schema hashes this process would enforce",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) > 0 {
				return hashFiles(cmd, files, canonical)
			}
			snap, err := a.snapshot()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			want := map[string]bool{}
			for _, n := range args {
				want[n] = true
			}
			out := []contractHash{}
			for _, c := range snap.Freeze.Contracts {
				if len(want) > 0 && !want[c.Name] {
					continue
				}
				delete(want, c.Name)
				h, err := snap.SchemaHash(c.Name)
				if err != nil {
					return fail(cmd, err.Error(), nil)
				}
				out = append(out, contractHash{
					Name:       c.Name,
					Version:    c.Version,
					SchemaFile: c.SchemaFile,
					Mode:       snap.Schemas.ModeFor(c.SchemaFile).String(),
					SchemaHash: h,
					Locked:     snap.Freeze.IsContractFrozen(c.Name),
				})
			}
			for n := range want {
				return fail(cmd, "contract "+n+" is not registered", out)
			}
			return pass(cmd, map[string]any{"contracts": out})
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "hash schema files on disk instead of registered contracts")
	cmd.Flags().BoolVar(&canonical, "canonical", false, "hash the canonical JSON form of --file inputs")
	return cmd
}

func hashFiles(cmd *cobra.Command, paths []string, canonical bool) error {
	mode := "raw"
	if canonical {
		mode = "canonical"
	}
	out := make([]fileHash, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fail(cmd, "read "+p+": "+err.Error(), nil)
		}
		h := canonhash.SumBytes(b)
		if canonical {
			if h, err = canonhash.SumCanonical(b); err != nil {
				return fail(cmd, "canonicalize "+p+": "+err.Error(), nil)
			}
		}
		out = append(out, fileHash{Path: p, Mode: mode, SchemaHash: h})
	}
	return pass(cmd, map[string]any{"files": out})
}

type fileResult struct {
	Path   string                     `json:"path"`
	Result contracts.ValidationResult `json:"result"`
	Error  string                     `json:"error,omitempty"`
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		contract    string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "validate --contract NAME FILE...",
		Short: "Validate payload files against a contract",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := contracts.SpecFor(contract); !ok {
				return fail(cmd, fmt.Sprintf("no validator for contract %q", contract), nil)
			}
			snap, err := a.snapshot()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			results, err := validateFiles(cmd.Context(), snap.Validator(), contract, args, concurrency)
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			invalid := 0
			for _, r := range results {
				if !r.Result.Valid {
					invalid++
				}
			}
			a.logger.Debug("validated files", zap.String("contract", contract), zap.Int("files", len(results)), zap.Int("invalid", invalid))
			data := map[string]any{"contract": contract, "files": results}
			if invalid > 0 {
				return fail(cmd, fmt.Sprintf("%d of %d files invalid", invalid, len(results)), data)
			}
			return pass(cmd, data)
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "", "contract name, e.g. EstimateChainV1")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "files validated in parallel")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

// validateFiles keeps results in argument order. Unreadable files are
// reported per file; only context cancellation aborts the batch.
func validateFiles(ctx context.Context, v *contracts.Validator, contract string, paths []string, limit int) ([]fileResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit < 1 {
		limit = 1
	}
	results := make([]fileResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = fileResult{Path: p}
			b, err := os.ReadFile(p)
			if err != nil {
				results[i].Error = err.Error()
				results[i].Result = contracts.ValidationResult{Valid: false, Errors: []contracts.ValidationError{{Message: "unreadable: " + err.Error()}}}
				return nil
			}
			results[i].Result = v.ValidateJSON(contract, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
