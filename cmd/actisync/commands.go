package main

import (
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/uuid"
)

// withApp runs fn against a freshly wired App and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *App) error) (err error) {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func toFields(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func recordIDArg(args []string) (string, error) {
	if err := uuid.ValidateRecordID(args[0]); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid record id", err)
	}
	return args[0], nil
}

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		GroupID: "records",
		Short:   "Create, change and inspect records",
	}
	cmd.AddCommand(newRecordAddCmd(), newRecordUpdateCmd(), newRecordDeleteCmd(), newRecordGetCmd(), newRecordListCmd())
	return cmd
}

func newRecordAddCmd() *cobra.Command {
	var (
		fields map[string]string
		status string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a record",
		Example: `  actisync record add --field studentName=Ana --field subject=Math \
    --field activity=Quiz --status activa`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				r, err := a.Service.CreateRecord(cmd.Context(), models.Content{
					Fields: toFields(fields),
					Status: status,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			})
		},
	}
	cmd.Flags().StringToStringVarP(&fields, "field", "f", nil, "field as key=value (repeatable)")
	cmd.Flags().StringVarP(&status, "status", "s", "", "record status")
	return cmd
}

func newRecordUpdateCmd() *cobra.Command {
	var (
		fields map[string]string
		unset  []string
		status string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields or status of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := recordIDArg(args)
			if err != nil {
				return err
			}

			patch := models.Patch{}
			if len(fields) > 0 || len(unset) > 0 {
				patch.Fields = toFields(fields)
				for _, k := range unset {
					patch.Fields[k] = nil
				}
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}

			return withApp(cmd, func(a *App) error {
				r, err := a.Service.UpdateRecord(cmd.Context(), id, patch)
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			})
		},
	}
	cmd.Flags().StringToStringVarP(&fields, "field", "f", nil, "field as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&unset, "unset", nil, "field names to remove")
	cmd.Flags().StringVarP(&status, "status", "s", "", "new status")
	return cmd
}

func newRecordDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := recordIDArg(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *App) error {
				if err := a.Service.DeleteRecord(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				return nil
			})
		},
	}
}

func newRecordGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := recordIDArg(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *App) error {
				r, err := a.Service.GetRecord(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			})
		},
	}
}

func newRecordListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				records, err := a.Service.ListRecords(cmd.Context())
				if err != nil {
					return err
				}
				if records == nil {
					records = []*models.Record{}
				}
				return printJSON(cmd, records)
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		GroupID: "sync",
		Short:   "Show record sync states and queue length",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				stats, err := a.Service.SyncStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{
					"records": stats,
					"queue":   a.Service.QueueStats(),
				})
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Drain the sync queue once",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				result, err := a.Scheduler.SyncNow(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "reconcile",
		GroupID: "sync",
		Short:   "Pull remote documents into the local store",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				result, err := a.Service.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newRetryCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:     "retry",
		GroupID: "sync",
		Short:   "Requeue records whose sync gave up",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *App) error {
				n, err := a.Service.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				out := map[string]interface{}{"requeued": n}
				if drain {
					result, err := a.Scheduler.SyncNow(cmd.Context())
					if err != nil {
						return err
					}
					out["drain"] = result
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "sync", false, "drain the queue after requeueing")
	return cmd
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "reset",
		GroupID: "sync",
		Short:   "Wipe the local store, including unsynced changes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return apperrors.New(apperrors.ErrInvalid, "reset discards unsynced changes; pass --yes to confirm")
			}
			return withApp(cmd, func(a *App) error {
				if err := a.DB.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "local store reset: %s\n", a.DB.Path())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
