package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/thermal-annotator/internal/utils"
	"github.com/menta2k/thermal-annotator/pkg/export"
	"github.com/menta2k/thermal-annotator/pkg/reconcile"
)

func exportCommand(a *app) *cobra.Command {
	var format, outDir string

	cmd := &cobra.Command{
		Use:   "export [transformerNo] [inspectionNo]",
		Short: "Export the feedback log of an inspection image",
		Long:  `Load the reviewed anomalies and feedback logs of an image from the store and write them as a JSON or CSV feedback export.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = a.cfg.Export.Format
			}
			if outDir == "" {
				outDir = a.cfg.Export.Dir
			}
			var write func(io.Writer, export.Payload) error
			switch format {
			case "json":
				write = export.WriteJSON
			case "csv":
				write = export.WriteCSV
			default:
				return fmt.Errorf("unsupported export format %q", format)
			}

			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			ref := imageRef(args)
			eng := reconcile.NewEngine(store, reconcile.Options{Logger: a.logger, Location: loc})
			s, err := eng.LoadSession(cmd.Context(), ref)
			if err != nil {
				return err
			}

			payload := export.Build(export.FromSession(s, a.actor.DisplayName(), time.Now(), loc))
			path := filepath.Join(outDir, export.Filename(ref, format))
			if err := utils.WriteFileAtomic(path, func(w io.Writer) error { return write(w, payload) }); err != nil {
				return err
			}

			a.logger.Info("export written",
				"path", path,
				"final", len(payload.FinalAcceptedAnnotations),
				"removed", len(payload.RemovedAnomalies),
				"logs", len(payload.FeedbackLogs))
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "export format: json or csv (default from config)")
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "output directory (default from config)")
	return cmd
}
