package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/goplotly/figure"
	"github.com/guseggert/goplotly/value"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "plotly-demo",
		Usage: "draws example charts in a browser driven over websocket",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Run the browser without a window and export an image instead of waiting for the window to close.",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. PLOTLY_* environment variables override it.",
				EnvVars: []string{"PLOTLY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "star",
				Usage:  "plot a five-pointed star",
				Action: withFigure(star),
			},
			{
				Name:  "stream",
				Usage: "stream a sine wave into the chart",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "points", Usage: "Number of points to stream.", Value: 400},
					&cli.IntFlag{Name: "max-points", Usage: "Points kept on screen.", Value: 200},
					&cli.DurationFlag{Name: "interval", Usage: "Delay between points.", Value: 20 * time.Millisecond},
				},
				Action: withFigure(stream),
			},
			{
				Name:   "events",
				Usage:  "annotate points as they are hovered and clicked",
				Action: withFigure(annotateEvents),
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

type demo func(ctx context.Context, c *cli.Context, fig *figure.Figure, headless bool) error

// withFigure opens a figure per the global flags, runs d, and then either exports the chart (headless)
// or waits for the window to close.
func withFigure(d demo) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := figure.LoadConfig(c.String("config"))
		if err != nil {
			return err
		}
		if lvl := c.String("log-level"); lvl != "" {
			cfg.LogLevel = lvl
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		fig, err := figure.New(figure.WithConfig(cfg), figure.WithLogger(logger))
		if err != nil {
			return err
		}
		defer fig.Close()

		headless := c.Bool("headless")
		err = fig.Open(ctx, headless)
		if err != nil {
			return fmt.Errorf("opening figure: %w", err)
		}

		err = d(ctx, c, fig, headless)
		if err != nil {
			return err
		}

		if headless {
			ok, err := fig.DownloadImage(ctx, value.Object(
				value.KV("format", value.String("png")),
				value.KV("width", value.Int(800)),
				value.KV("height", value.Int(600)),
				value.KV("filename", value.String(c.Command.Name)),
			))
			if err != nil {
				return fmt.Errorf("exporting image: %w", err)
			}
			if !ok {
				return fmt.Errorf("exporting image failed, see logs")
			}
			return nil
		}

		err = fig.WaitClose(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

func expectOK(op string, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s was rejected by the renderer", op)
	}
	return nil
}

func star(ctx context.Context, c *cli.Context, fig *figure.Figure, headless bool) error {
	x, y := starShape(0, 0, 1, 0.4)
	trace := value.Object(
		value.KV("x", value.Floats(x)),
		value.KV("y", value.Floats(y)),
		value.KV("type", value.String("scatter")),
		value.KV("mode", value.String("lines+markers")),
		value.KV("line", value.Object(value.KV("shape", value.String("linear")), value.KV("color", value.String("gold")))),
		value.KV("marker", value.Object(value.KV("color", value.String("red")), value.KV("size", value.Int(8)))),
	)
	axisRange := value.Floats([]float64{-1.5, 1.5})
	layout := value.Object(
		value.KV("title", value.Object(value.KV("text", value.String("Star Shape Plot")))),
		value.KV("xaxis", value.Object(value.KV("scaleanchor", value.String("y")), value.KV("range", axisRange))),
		value.KV("yaxis", value.Object(value.KV("range", axisRange))),
		value.KV("showlegend", value.Bool(false)),
	)
	ok, err := fig.NewPlot(ctx, value.Seq(trace), layout, value.Null())
	return expectOK("newPlot", ok, err)
}

func stream(ctx context.Context, c *cli.Context, fig *figure.Figure, headless bool) error {
	trace := value.Object(
		value.KV("x", value.Floats(nil)),
		value.KV("y", value.Floats(nil)),
		value.KV("type", value.String("scatter")),
		value.KV("mode", value.String("lines")),
	)
	ok, err := fig.NewPlot(ctx, value.Seq(trace), value.Object(
		value.KV("title", value.Object(value.KV("text", value.String("Streaming sin(x)")))),
	), value.Null())
	if err := expectOK("newPlot", ok, err); err != nil {
		return err
	}

	points := c.Int("points")
	maxPoints := c.Int("max-points")
	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	for i := 0; i < points; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		xi := float64(i) * 0.05
		update := value.Object(
			value.KV("x", value.Seq(value.Floats([]float64{xi}))),
			value.KV("y", value.Seq(value.Floats([]float64{math.Sin(xi)}))),
		)
		ok, err := fig.ExtendTraces(ctx, update, value.Ints([]int{0}), maxPoints)
		if err := expectOK("extendTraces", ok, err); err != nil {
			return err
		}
	}
	return nil
}

func annotateEvents(ctx context.Context, c *cli.Context, fig *figure.Figure, headless bool) error {
	trace := value.Object(
		value.KV("x", value.Ints([]int{1, 2, 3, 4, 5})),
		value.KV("y", value.Ints([]int{1, 4, 2, 8, 5})),
		value.KV("type", value.String("scatter")),
		value.KV("mode", value.String("markers")),
	)
	ok, err := fig.NewPlot(ctx, value.Seq(trace), value.Null(), value.Null())
	if err := expectOK("newPlot", ok, err); err != nil {
		return err
	}

	for _, ev := range []struct{ name, text string }{{"plotly_hover", "hover"}, {"plotly_click", "click"}} {
		text := ev.text
		ok, err := fig.On(ctx, ev.name, func(payload value.Value) {
			point := payload.Index(0)
			if points, found := payload.Get("points"); found {
				point = points.Index(0)
			}
			px, _ := point.Get("x")
			py, _ := point.Get("y")
			fmt.Printf("%s at x=%s y=%s\n", text, px, py)
			_, err := fig.Relayout(ctx, value.Object(value.KV("annotations", value.Seq(annotation(px, py, text)))))
			if err != nil {
				fmt.Fprintf(os.Stderr, "annotating point: %s\n", err)
			}
		})
		if err := expectOK("registering "+ev.name, ok, err); err != nil {
			return err
		}
	}
	return nil
}

func annotation(x, y value.Value, text string) value.Value {
	return value.Object(
		value.KV("x", x),
		value.KV("y", y),
		value.KV("text", value.String(text)),
		value.KV("showarrow", value.Bool(false)),
		value.KV("yshift", value.Int(30)),
		value.KV("font", value.Object(value.KV("color", value.String("blue")), value.KV("size", value.Int(20)))),
	)
}
