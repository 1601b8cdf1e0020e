package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/sel"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	selType  string
	selAlert bool
	selAll   bool
	selKey   string
)

var selCmd = &cobra.Command{
	Use:   "sel",
	Short: "Read and manage the system event log",
}

// runReady runs fn against a probed controller and exits on error.
func runReady(cmd *cobra.Command, fn func(ctx context.Context, s *stack) error) {
	err := withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
		if err := s.ready(ctx); err != nil {
			return err
		}

		return fn(ctx, s)
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// ipmiOnly rejects --type values other than ipmi for the commands only the
// local SEL serves.
func ipmiOnly() error {
	dataType, err := elog.ParseDataType(selType)
	if err != nil {
		return err
	}

	if dataType != elog.TypeIPMI {
		return errors.Wrapf(model.ErrUnsupported, "%s event logs", dataType)
	}

	return nil
}

func parseRecordID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrap(model.ErrInvalidParameter, "record id "+s)
	}

	return id, nil
}

var selInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the event log state",
	Run: func(cmd *cobra.Command, _ []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			if err := ipmiOnly(); err != nil {
				return err
			}

			info, err := s.sel.Info(ctx)
			if err != nil {
				return err
			}

			return printJSON(info)
		})
	},
}

var selListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every event log record",
	Run: func(cmd *cobra.Command, _ []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			if err := ipmiOnly(); err != nil {
				return err
			}

			entries, err := s.sel.List(ctx)
			if err != nil {
				return err
			}

			return printJSON(entries)
		})
	},
}

var selGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one record, 0 is the first record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			dataType, err := elog.ParseDataType(selType)
			if err != nil {
				return err
			}

			id, err := parseRecordID(argv[0])
			if err != nil {
				return err
			}

			buf := make([]byte, 512)

			next, n, err := s.elog.GetEventLogData(ctx, dataType, id, buf)
			if err != nil {
				return err
			}

			if dataType == elog.TypeIPMI && n == ipmi.SELRecordSize {
				record := sel.Record{}
				copy(record[:], buf)

				return printJSON(sel.NewEntry(&record, uint16(next)))
			}

			return printJSON(map[string]any{"id": id, "next": next, "data": string(buf[:n])})
		})
	},
}

var selAddCmd = &cobra.Command{
	Use:   "add <hex record>",
	Short: "Add a record, or raise it as a platform event with --alert",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			dataType, err := elog.ParseDataType(selType)
			if err != nil {
				return err
			}

			data, err := hex.DecodeString(argv[0])
			if err != nil {
				return errors.Wrap(model.ErrInvalidParameter, "record: "+err.Error())
			}

			id, err := s.elog.SetEventLogData(ctx, dataType, data, selAlert)
			if err != nil {
				return err
			}

			return printJSON(map[string]any{"id": id, "alert": selAlert})
		})
	},
}

var selEraseCmd = &cobra.Command{
	Use:   "erase [id]",
	Short: "Delete one record, or clear the log with --all",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			dataType, err := elog.ParseDataType(selType)
			if err != nil {
				return err
			}

			var id *uint64

			switch {
			case len(argv) == 1:
				v, err := parseRecordID(argv[0])
				if err != nil {
					return err
				}

				id = &v
			case !selAll:
				return errors.Wrap(model.ErrInvalidParameter, "give a record id or --all")
			}

			return s.elog.EraseEventLogData(ctx, dataType, id)
		})
	},
}

var selActivateCmd = &cobra.Command{
	Use:       "activate [on|off]",
	Short:     "Show or set the system event logging state",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			dataType, err := elog.ParseDataType(selType)
			if err != nil {
				return err
			}

			var enable *bool

			if len(argv) == 1 {
				v := argv[0] == "on"
				if !v && argv[0] != "off" {
					return errors.Wrap(model.ErrInvalidParameter, "logging state "+argv[0])
				}

				enable = &v
			}

			enabled, err := s.elog.ActivateEventLog(ctx, dataType, enable)
			if err != nil {
				return err
			}

			return printJSON(map[string]bool{"enabled": enabled})
		})
	},
}

var selCheckFullCmd = &cobra.Command{
	Use:   "check-full",
	Short: "Raise a diagnostic when the log has overflowed",
	Run: func(cmd *cobra.Command, _ []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			return s.sel.CheckFull(ctx)
		})
	},
}

var selExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Archive the log to the configured store",
	Run: func(cmd *cobra.Command, _ []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			if s.repository == nil {
				return errors.Wrap(model.ErrConfig, "no archive configured")
			}

			key := selKey
			if key == "" {
				key = sel.ExportKey(s.config.Archive.Prefix, time.Now())
			}

			var bar *progressbar.ProgressBar

			export, err := s.sel.Export(ctx, s.repository, key, func(done, total int) {
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionSetDescription("reading sel"),
						progressbar.OptionClearOnFinish(),
					)
				}

				_ = bar.Set(done)
			})

			if bar != nil {
				_ = bar.Finish()
			}

			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"location": s.repository.Location(key),
				"entries":  len(export.Entries),
			})
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{selInfoCmd, selListCmd, selGetCmd, selAddCmd, selEraseCmd, selActivateCmd} {
		c.Flags().StringVar(&selType, "type", "ipmi", "event log data type - ipmi, oem")
	}

	selAddCmd.Flags().BoolVar(&selAlert, "alert", false, "send the record as a platform event message")
	selEraseCmd.Flags().BoolVar(&selAll, "all", false, "clear the whole log")
	selExportCmd.Flags().StringVar(&selKey, "key", "", "archive key (default is <prefix>sel-<time>.json)")

	selCmd.AddCommand(selInfoCmd, selListCmd, selGetCmd, selAddCmd, selEraseCmd, selActivateCmd, selCheckFullCmd, selExportCmd)
	rootCmd.AddCommand(selCmd)
}
