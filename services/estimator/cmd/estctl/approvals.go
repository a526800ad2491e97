package main

import (
	"context"

	"github.com/spf13/cobra"

	"launchbase/pkg/approval"
	"launchbase/pkg/approval/sqlitestore"
	"launchbase/pkg/config"
	"launchbase/pkg/gatesdk"
)

const defaultApprovalsDB = "estimator.db"

// approvalBackend is satisfied by a local *approval.Gate (via localGate) and
// by a remote *gatesdk.Client.
type approvalBackend interface {
	RequestApproval(ctx context.Context, req approval.Request) (approval.RequestResult, error)
	CheckApprovalGate(ctx context.Context, res approval.Resource) (approval.Decision, error)
	ResolveApproval(ctx context.Context, id, approver string, approve bool) (approval.Record, error)
	GetApproval(ctx context.Context, id string) (approval.Record, error)
}

type localGate struct{ *approval.Gate }

func (g localGate) GetApproval(ctx context.Context, id string) (approval.Record, error) {
	return g.Store.GetApproval(ctx, id)
}

func newApprovalsCmd(a *app) *cobra.Command {
	var dbPath, serverURL, tenant, bearer string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Work the approval queue, locally (sqlite) or on a running estimator",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (default database.url when driver is sqlite)")
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "estimator base URL; when set the local database is not used")
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant sent to --server")
	cmd.PersistentFlags().StringVar(&bearer, "token", "", "bearer token sent to --server")

	open := func() (approvalBackend, func(), error) {
		if serverURL != "" {
			c := gatesdk.New(serverURL, bearer)
			c.Tenant = tenant
			c.TenantHeader = a.cfg.Server.TenantHeader
			return c, func() {}, nil
		}
		path := dbPath
		if path == "" && a.cfg.Database.Driver == config.DriverSQLite {
			path = a.cfg.Database.URL
		}
		if path == "" {
			path = defaultApprovalsDB
		}
		ttl, err := a.cfg.ApprovalTTL()
		if err != nil {
			return nil, nil, err
		}
		st, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		g := approval.NewGate(st, a.logger.Named("approval"))
		g.TTL = ttl
		return localGate{g}, func() { _ = st.Close() }, nil
	}

	// withBackend opens the backend for the duration of fn.
	withBackend := func(cmd *cobra.Command, fn func(approvalBackend) (any, error)) error {
		b, done, err := open()
		if err != nil {
			return fail(cmd, err.Error(), nil)
		}
		defer done()
		out, err := fn(b)
		if err != nil {
			return fail(cmd, err.Error(), nil)
		}
		return pass(cmd, out)
	}

	var res approval.Resource
	addResourceFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&res.Operation, "operation", "", "gated operation, e.g. estimate.dispatch")
		c.Flags().StringVar(&res.ResourceType, "resource-type", "", "resource type, e.g. estimate")
		c.Flags().StringVar(&res.ResourceID, "resource-id", "", "resource id")
		_ = c.MarkFlagRequired("operation")
		_ = c.MarkFlagRequired("resource-id")
	}

	var requestedBy, reason string
	request := &cobra.Command{
		Use:   "request",
		Short: "Open approval slots for an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b approvalBackend) (any, error) {
				return b.RequestApproval(cmd.Context(), approval.Request{Resource: res, RequestedBy: requestedBy, Reason: reason})
			})
		},
	}
	addResourceFlags(request)
	request.Flags().StringVar(&requestedBy, "requested-by", "", "requesting user")
	request.Flags().StringVar(&reason, "reason", "", "why the operation is needed")
	_ = request.MarkFlagRequired("requested-by")

	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether an operation may proceed",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := open()
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			defer done()
			d, err := b.CheckApprovalGate(cmd.Context(), res)
			if err != nil {
				return fail(cmd, err.Error(), nil)
			}
			if !d.Allowed {
				return fail(cmd, d.Reason, d)
			}
			return pass(cmd, d)
		},
	}
	addResourceFlags(check)

	var approver string
	var deny bool
	resolve := &cobra.Command{
		Use:   "resolve APPROVAL_ID",
		Short: "Approve or deny one pending slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b approvalBackend) (any, error) {
				return b.ResolveApproval(cmd.Context(), args[0], approver, !deny)
			})
		},
	}
	resolve.Flags().StringVar(&approver, "approver", "", "approving user")
	resolve.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	_ = resolve.MarkFlagRequired("approver")

	show := &cobra.Command{
		Use:   "show APPROVAL_ID",
		Short: "Print one approval record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b approvalBackend) (any, error) {
				return b.GetApproval(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(request, check, resolve, show)
	return cmd
}
