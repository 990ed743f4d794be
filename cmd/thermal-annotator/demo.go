package main

import (
	"fmt"

	"github.com/spf13/cobra"

	thermalannotator "github.com/menta2k/thermal-annotator"
	"github.com/menta2k/thermal-annotator/pkg/export"
	"github.com/menta2k/thermal-annotator/pkg/store/memstore"
	"github.com/menta2k/thermal-annotator/pkg/types"
	"github.com/menta2k/thermal-annotator/pkg/viewport"
)

// the demo frame is fitted into a fixed panel; gestures are given relative to
// where the fitted image lands
const (
	demoPanelWidth, demoPanelHeight = 800, 700
	demoImageWidth, demoImageHeight = 1600, 1200
)

func demoCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted review against an in-memory store and print the export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}

			ref := types.NewImageRef("DEMO-TX", "DEMO-INSP")
			store := memstore.New(0)
			store.Seed(ref, types.AnomalySet{Anomalies: []types.AnomalyRecord{
				{Box: []float64{0.10, 0.10, 0.30, 0.30}, Class: "Loose Joint Faulty", Confidence: types.Float64(0.92)},
				{Box: []float64{0.50, 0.20, 0.70, 0.40}, Class: "Point Overload Faulty", Confidence: types.Float64(0.81)},
				{Box: []float64{0.40, 0.60, 0.60, 0.80}, Class: "Full Wire Overload", Confidence: types.Float64(0.44)},
			}})

			actor := a.actor
			if actor.UserID == "" && actor.UserName == "" {
				actor = types.Actor{UserID: "demo", UserName: "Demo Reviewer"}
			}
			vp := viewport.TransformedViewport{
				Container:     viewport.Rect{Width: demoPanelWidth, Height: demoPanelHeight},
				NaturalWidth:  demoImageWidth,
				NaturalHeight: demoImageHeight,
				MaxHeight:     a.cfg.Annotator.MaxImageHeight,
			}
			rect := vp.Rect()
			a.logger.Debug("demo image fitted", "left", rect.Left, "top", rect.Top, "width", rect.Width, "height", rect.Height)

			ws := thermalannotator.New(store, vp, thermalannotator.Options{
				Logger:       a.logger,
				Actor:        actor,
				Location:     loc,
				HandleRadius: a.cfg.Annotator.HandleRadius,
			})
			defer ws.Close()

			if err := ws.Open(ctx, ref); err != nil {
				return err
			}
			ws.SetEditMode(true)

			pt := func(x, y float64) types.Point {
				return types.Point{X: rect.Left + x*rect.Width, Y: rect.Top + y*rect.Height}
			}
			steps := []struct {
				name string
				run  func() error
			}{
				{"accept first", func() error { return ws.Accept(ws.Shapes()[0].ID) }},
				{"reject third", func() error { return ws.Reject(ws.Shapes()[2].ID) }},
				{"select second", func() error { return ws.Click(ctx, pt(0.6, 0.3)) }},
				{"grab corner", func() error { return ws.PointerDown(ctx, pt(0.7, 0.4)) }},
				{"drag corner", func() error { return ws.PointerMove(ctx, pt(0.74, 0.45)) }},
				{"release corner", func() error { return ws.PointerUp(ctx, pt(0.75, 0.46)) }},
				{"clear selection", func() error { ws.Escape(); return nil }},
				{"draw mode", func() error { return ws.SetDrawMode(true, types.KindBBox) }},
				{"draw start", func() error { return ws.PointerDown(ctx, pt(0.80, 0.70)) }},
				{"draw end", func() error { return ws.PointerUp(ctx, pt(0.92, 0.85)) }},
				{"edit mode", func() error { return ws.SetDrawMode(false, types.KindBBox) }},
				{"select first", func() error { return ws.Click(ctx, pt(0.2, 0.2)) }},
				{"delete first", func() error { return ws.DeleteSelected(ctx) }},
			}
			for _, step := range steps {
				if err := step.run(); err != nil {
					return fmt.Errorf("demo step %q: %w", step.name, err)
				}
				a.logger.Debug("demo step done", "step", step.name, "shapes", len(ws.Shapes()))
			}

			payload, err := ws.Export(actor.DisplayName())
			if err != nil {
				return err
			}
			if format == "csv" {
				return export.WriteCSV(cmd.OutOrStdout(), payload)
			}
			return export.WriteJSON(cmd.OutOrStdout(), payload)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or csv")
	return cmd
}
