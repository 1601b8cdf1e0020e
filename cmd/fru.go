package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/metal-toolbox/bmcmgmt/internal/fru"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	fruOffset uint16
	fruLength int
	fruOut    string
	fruType   string
)

var fruCmd = &cobra.Command{
	Use:   "fru",
	Short: "Read and write the FRU inventory devices",
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrap(model.ErrInvalidParameter, "slot "+s)
	}

	return slot, nil
}

func newBar(total int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

var fruSlotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List the FRU slot table",
	Run: func(cmd *cobra.Command, _ []string) {
		runReady(cmd, func(_ context.Context, s *stack) error {
			redir, err := s.frus.GetFruRedirInfo(fru.Type(fruType))
			if err != nil {
				return err
			}

			info, err := s.frus.GetFruSlotInfo(fru.Type(fruType))
			if err != nil {
				return err
			}

			out := map[string]any{"redir": redir, "slot_info": info}
			if strings.EqualFold(fruType, string(fru.TypeSystem)) {
				out["slots"] = s.fru.Slots()
			}

			return printJSON(out)
		})
	},
}

var fruReadCmd = &cobra.Command{
	Use:   "read <slot>",
	Short: "Read FRU data, up to the end of the inventory area by default",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			slot, err := parseSlot(argv[0])
			if err != nil {
				return err
			}

			t := fru.Type(fruType)
			if _, err := s.frus.GetFruRedirInfo(t); err != nil {
				return err
			}

			length := fruLength
			if length == 0 {
				if !strings.EqualFold(fruType, string(fru.TypeSystem)) {
					return errors.Wrapf(model.ErrInvalidParameter, "--length is required for %s FRUs", fruType)
				}

				area, err := s.fru.AreaInfo(ctx, slot)
				if err != nil {
					return err
				}

				length = int(area.Size) - int(fruOffset)
				if length <= 0 {
					return errors.Wrapf(model.ErrInvalidParameter, "offset %d beyond area size %d", fruOffset, area.Size)
				}
			}

			buf := make([]byte, length)
			bar := newBar(length, fmt.Sprintf("reading slot %d", slot))

			n, err := s.frus.GetFruData(fru.WithProgress(ctx, func(done int) {
				_ = bar.Set(done)
			}), t, slot, fruOffset, buf)

			_ = bar.Finish()

			if err != nil {
				return err
			}

			if fruOut != "" {
				return os.WriteFile(fruOut, buf[:n], 0o600)
			}

			fmt.Println(hex.Dump(buf[:n]))

			return nil
		})
	},
}

var fruWriteCmd = &cobra.Command{
	Use:   "write <slot> <file>",
	Short: "Write the contents of file to a FRU device",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, argv []string) {
		runReady(cmd, func(ctx context.Context, s *stack) error {
			slot, err := parseSlot(argv[0])
			if err != nil {
				return err
			}

			data, err := os.ReadFile(argv[1])
			if err != nil {
				return errors.Wrap(model.ErrInvalidParameter, err.Error())
			}

			bar := newBar(len(data), fmt.Sprintf("writing slot %d", slot))

			n, err := s.frus.SetFruData(fru.WithProgress(ctx, func(done int) {
				_ = bar.Set(done)
			}), fru.Type(fruType), slot, fruOffset, data)

			_ = bar.Finish()

			if err != nil {
				return err
			}

			return printJSON(map[string]int{"written": n})
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{fruReadCmd, fruWriteCmd} {
		c.Flags().Uint16Var(&fruOffset, "offset", 0, "byte offset into the device")
	}

	for _, c := range []*cobra.Command{fruSlotsCmd, fruReadCmd, fruWriteCmd} {
		c.Flags().StringVar(&fruType, "type", string(fru.TypeSystem), "FRU inventory type, only system is served locally")
	}

	fruReadCmd.Flags().IntVar(&fruLength, "length", 0, "bytes to read")
	fruReadCmd.Flags().StringVarP(&fruOut, "out", "o", "", "write the data to a file instead of stdout")

	fruCmd.AddCommand(fruSlotsCmd, fruReadCmd, fruWriteCmd)
	rootCmd.AddCommand(fruCmd)
}
