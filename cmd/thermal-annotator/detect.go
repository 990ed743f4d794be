package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/thermal-annotator/pkg/detection"
	"github.com/menta2k/thermal-annotator/pkg/ollama"
	"github.com/menta2k/thermal-annotator/pkg/processing"
	"github.com/menta2k/thermal-annotator/pkg/reconcile"
	"github.com/menta2k/thermal-annotator/pkg/store/httpstore"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

func detectCommand(a *app) *cobra.Command {
	var transformerNo, inspectionNo, model string
	var remote, testVision bool

	cmd := &cobra.Command{
		Use:   "detect [image path or URL]",
		Short: "Detect thermal anomalies with a vision model",
		Long: `Run the vision model on a thermal image and print the cleaned anomaly records.
With --transformer and --inspection the records are stored as the model output of that image.
With --remote the inspection service runs its own detector instead.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref := types.NewImageRef(transformerNo, inspectionNo)

			if remote {
				store, err := httpstore.New(a.cfg.Store.BaseURL, httpstore.Options{
					Timeout: a.cfg.Detector.Timeout,
					Logger:  a.logger,
				})
				if err != nil {
					return err
				}
				return store.RunDetection(ctx, ref)
			}
			if len(args) != 1 {
				return fmt.Errorf("an image path or URL is required unless --remote is set")
			}

			det := a.cfg.Detector
			if model == "" {
				model = det.Model
			}
			vision, err := ollama.NewClientWithHTTP(det.OllamaURL, &http.Client{Timeout: det.Timeout}, a.logger)
			if err != nil {
				return err
			}
			detector := detection.NewDetector(vision)

			proc := processing.NewProcessor(a.logger)
			img, err := proc.LoadImageSmart(ctx, args[0])
			if err != nil {
				return err
			}
			imgB64, err := proc.PrepareImageForModel(img, "jpg", det.MaxDim, det.Quality)
			if err != nil {
				return err
			}

			if testVision {
				answer, err := detector.TestVision(ctx, model, imgB64)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), answer)
				return nil
			}

			started := time.Now()
			b := img.Bounds()
			records, err := detector.DetectAnomalies(ctx, model, imgB64, b.Dx(), b.Dy())
			if err != nil {
				return err
			}
			a.logger.Info("detection finished", "model", model, "anomalies", len(records), "elapsed", time.Since(started))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(types.AnomalySet{Anomalies: records}); err != nil {
				return err
			}

			if transformerNo == "" || inspectionNo == "" {
				return nil
			}
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			shapes := detection.MapAnomalies(records)
			return store.UpdateAnomalies(ctx, ref, reconcile.PersistedList(shapes, a.actor, ""), nil)
		},
	}

	cmd.Flags().StringVar(&transformerNo, "transformer", "", "transformer number to store the detections under")
	cmd.Flags().StringVar(&inspectionNo, "inspection", "", "inspection number to store the detections under")
	cmd.Flags().StringVarP(&model, "model", "m", "", "vision model (default from config)")
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the inspection service to run detection")
	cmd.Flags().BoolVar(&testVision, "test-vision", false, "only check that the model can see the image")
	return cmd
}
