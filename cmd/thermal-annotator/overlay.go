package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/thermal-annotator/internal/utils"
	"github.com/menta2k/thermal-annotator/pkg/processing"
	"github.com/menta2k/thermal-annotator/pkg/reconcile"
)

func overlayCommand(a *app) *cobra.Command {
	var outDir string
	var crops bool
	var cropW, cropH int

	cmd := &cobra.Command{
		Use:   "overlay [transformerNo] [inspectionNo] [image path or URL]",
		Short: "Render the active anomalies over the thermal image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				outDir = a.cfg.Export.Dir
			}
			if err := utils.EnsureDir(outDir); err != nil {
				return err
			}
			render := a.cfg.Render

			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			eng := reconcile.NewEngine(store, reconcile.Options{Logger: a.logger})
			s, err := eng.LoadSession(cmd.Context(), imageRef(args))
			if err != nil {
				return err
			}

			proc := processing.NewProcessor(a.logger)
			img, err := proc.LoadImageSmart(cmd.Context(), args[2])
			if err != nil {
				return err
			}

			shapes := s.Active()
			overlay := proc.RenderOverlay(img, shapes, processing.OverlayOptions{Labels: render.Labels})
			path := utils.DerivedFilename(args[2], outDir, "_overlay", render.Format)
			if err := proc.SaveImage(overlay, path, render.Format, render.Quality, render.Lossless); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)

			if !crops {
				return nil
			}
			for _, sh := range shapes {
				crop, err := proc.CropAnomaly(img, sh.BBox, render.CropPadding, cropW, cropH)
				if err != nil {
					a.logger.Warn("crop skipped", "idx", sh.Idx, "error", err)
					continue
				}
				suffix := fmt.Sprintf("_anomaly_%03d", sh.Idx)
				cropPath := utils.DerivedFilename(args[2], outDir, suffix, render.Format)
				if err := proc.SaveImage(crop, cropPath, render.Format, render.Quality, render.Lossless); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cropPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&crops, "crops", false, "also write one crop per anomaly")
	cmd.Flags().IntVar(&cropW, "crop-width", 0, "fill crops to this width (0 keeps the region size)")
	cmd.Flags().IntVar(&cropH, "crop-height", 0, "fill crops to this height (0 keeps the region size)")
	return cmd
}
