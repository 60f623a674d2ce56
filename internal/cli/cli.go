// Package cli implements the convertly command line: one-shot batch
// conversion of local files and a folder watcher.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/pipeline"
	"github.com/dunamismax/convertly/internal/session"
)

var ErrUsage = errors.New("usage")

const usage = `usage:
  convertly convert [flags] <file>...
  convertly watch [flags] <dir>

Run "convertly <command> -h" for the flags of a command.
`

// Run dispatches to a subcommand. args excludes the program name.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return ErrUsage
	}
	switch args[0] {
	case "convert":
		return runConvert(ctx, args[1:], stdout, stderr)
	case "watch":
		return runWatch(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
}

type options struct {
	outDir        string
	mode          string
	width         int
	height        int
	heightSet     bool
	aspect        bool
	rotate        int
	flipH         bool
	flipV         bool
	background    string
	quality       float64
	interpolation string
	zip           bool
	concurrency   int
	dryRun        bool
}

func bindFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.outDir, "out", "converted", "output directory")
	fs.StringVar(&o.mode, "mode", string(domain.ModeBoth), "webp-only, resize-only or both")
	fs.IntVar(&o.width, "width", domain.DefaultTargetWidth, "target width in pixels")
	fs.IntVar(&o.height, "height", domain.DefaultTargetHeight, "target height in pixels, only with -aspect=false")
	fs.BoolVar(&o.aspect, "aspect", true, "maintain the aspect ratio")
	fs.IntVar(&o.rotate, "rotate", 0, "clockwise rotation in degrees: 0, 90, 180 or 270")
	fs.BoolVar(&o.flipH, "flip-h", false, "mirror horizontally")
	fs.BoolVar(&o.flipV, "flip-v", false, "mirror vertically")
	fs.StringVar(&o.background, "background", string(domain.FillNone), "background fill: none or white")
	fs.Float64Var(&o.quality, "quality", domain.DefaultQuality, "webp quality in [0,1], 1 is lossless")
	fs.StringVar(&o.interpolation, "interpolation", "catmullrom", "nearest, approxbilinear, bilinear or catmullrom")
	fs.BoolVar(&o.zip, "zip", false, "also write every output into "+pipeline.ArchiveName)
	fs.IntVar(&o.concurrency, "concurrency", 4, "images converted in parallel")
	fs.BoolVar(&o.dryRun, "dry-run", false, "print the planned geometry and exit")
	return o
}

func parse(name string, args []string, stderr io.Writer) (*options, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "height" {
			o.heightSet = true
		}
	})
	return o, fs.Args(), nil
}

func (o *options) policy() (domain.ResizePolicy, error) {
	p := domain.DefaultResizePolicy()
	p.Mode = domain.Mode(strings.ToLower(strings.TrimSpace(o.mode)))
	p.MaintainAspectRatio = o.aspect
	p.TargetWidth = o.width
	if o.heightSet && !p.SetTargetHeight(o.height) {
		return p, errors.New("-height cannot be set while the aspect ratio is maintained")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (o *options) rotationSteps() (int, error) {
	if o.rotate%90 != 0 {
		return 0, fmt.Errorf("-rotate must be a multiple of 90: got %d", o.rotate)
	}
	return ((o.rotate%360)+360)%360 / 90, nil
}

func (o *options) fill() (domain.Fill, error) {
	fill := domain.Fill(strings.ToLower(strings.TrimSpace(o.background)))
	if err := (domain.ImageTransform{BackgroundFill: fill}).Validate(); err != nil {
		return "", err
	}
	return fill, nil
}

// converter pairs a session with a local processor. Images keep their
// source path so specs can point the fetcher at them.
type converter struct {
	logger    *log.Logger
	sess      *session.Session
	processor *pipeline.Processor
	paths     map[string]string
	steps     int
	flipH     bool
	flipV     bool
	fill      domain.Fill
}

func newConverter(logger *log.Logger, o *options, bundle bool) (*converter, error) {
	policy, err := o.policy()
	if err != nil {
		return nil, err
	}
	steps, err := o.rotationSteps()
	if err != nil {
		return nil, err
	}
	fill, err := o.fill()
	if err != nil {
		return nil, err
	}
	if o.quality < 0 || o.quality > 1 {
		return nil, fmt.Errorf("-quality must be within [0,1]: got %v", o.quality)
	}

	return &converter{
		logger: logger,
		sess:   session.New(policy, o.quality),
		processor: pipeline.NewLocalProcessor(o.outDir, o.interpolation, pipeline.Options{
			Concurrency: max(1, o.concurrency),
			Bundle:      bundle,
		}),
		paths: make(map[string]string),
		steps: steps,
		flipH: o.flipH,
		flipV: o.flipV,
		fill:  fill,
	}, nil
}

func (c *converter) Close() {
	c.processor.Close()
}

// add decodes the file for its size and registers it with the command-wide
// transform applied.
func (c *converter) add(path string) (session.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Entry{}, fmt.Errorf("read %s: %w", path, err)
	}
	src, err := pipeline.Decode(data)
	if err != nil {
		return session.Entry{}, fmt.Errorf("%s: %w", path, err)
	}
	entry, err := c.sess.Add(filepath.Base(path), data, src.Width, src.Height)
	if err != nil {
		return session.Entry{}, err
	}

	for i := 0; i < c.steps; i++ {
		if _, err := c.sess.Rotate(entry.ID); err != nil {
			return session.Entry{}, err
		}
	}
	if c.flipH {
		if _, err := c.sess.FlipHorizontal(entry.ID); err != nil {
			return session.Entry{}, err
		}
	}
	if c.flipV {
		if _, err := c.sess.FlipVertical(entry.ID); err != nil {
			return session.Entry{}, err
		}
	}
	if _, err := c.sess.SetBackground(entry.ID, c.fill); err != nil {
		return session.Entry{}, err
	}

	c.paths[entry.ID] = path
	entry, _ = c.sess.Get(entry.ID)
	return entry, nil
}

func (c *converter) run(ctx context.Context, jobID string, ids ...string) (pipeline.Result, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	specs := c.sess.Specs(func(e session.Entry) string { return c.paths[e.ID] })
	selected := specs[:0]
	for _, spec := range specs {
		if _, ok := want[spec.ID]; ok || len(ids) == 0 {
			selected = append(selected, spec)
		}
	}

	return c.processor.Process(ctx, pipeline.Request{
		JobID:      jobID,
		SourceType: domain.SourceTypeLocalFile,
		Images:     selected,
		Policy:     c.sess.Policy(),
		Quality:    c.sess.Quality(),
	})
}

func runConvert(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, files, err := parse("convert", args, stderr)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: convert needs at least one file", ErrUsage)
	}

	logger := log.New(stderr, "[convertly] ", log.LstdFlags|log.Lmsgprefix)
	c, err := newConverter(logger, o, o.zip)
	if err != nil {
		return err
	}
	defer c.Close()

	var added []session.Entry
	for _, path := range files {
		entry, err := c.add(path)
		if err != nil {
			if errors.Is(err, session.ErrDuplicateImage) {
				logger.Printf("skipping duplicate file=%s err=%v", path, err)
				continue
			}
			logger.Printf("skipping file=%s err=%v", path, err)
			continue
		}
		added = append(added, entry)
	}
	if len(added) == 0 {
		return errors.New("no convertible images")
	}

	if o.dryRun {
		return printPlan(stdout, c.sess, added)
	}

	jobID := "batch-" + time.Now().UTC().Format("20060102-150405")
	result, err := c.run(ctx, jobID)
	printResults(stdout, result)
	if err != nil {
		return err
	}
	if result.ArchivePath != "" {
		fmt.Fprintf(stdout, "archive: %s\n", result.ArchivePath)
	}
	return nil
}

func printPlan(w io.Writer, sess *session.Session, entries []session.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	policy := sess.Policy()
	fmt.Fprintln(tw, "FILE\tNATIVE\tTARGET\tSCALED\tOUTPUT\tTRANSFORM")
	for _, e := range entries {
		geom, err := sess.Plan(e.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%dx%d\t%s\t%dx%d\t%dx%d\t%s\n",
			e.Name,
			geom.NativeWidth, geom.NativeHeight,
			targetLabel(policy, geom.NativeWidth, geom.NativeHeight),
			geom.ScaledWidth, geom.ScaledHeight,
			geom.CanvasWidth, geom.CanvasHeight,
			describeTransform(e.Transform),
		)
	}
	return tw.Flush()
}

// targetLabel shows the target box; with the aspect ratio maintained the
// height is derived from this image's proportions.
func targetLabel(p domain.ResizePolicy, nativeWidth, nativeHeight int) string {
	if !p.Resizes() {
		return "-"
	}
	ref := p
	ref.SetTargetWidth(p.TargetWidth, nativeWidth, nativeHeight)
	return fmt.Sprintf("%dx%d", ref.TargetWidth, ref.TargetHeight)
}

func describeTransform(t domain.ImageTransform) string {
	if t.IsIdentity() {
		return "-"
	}
	var parts []string
	if t.Rotation != 0 {
		parts = append(parts, fmt.Sprintf("rotate=%d", t.Rotation))
	}
	if t.FlipHorizontal {
		parts = append(parts, "flip-h")
	}
	if t.FlipVertical {
		parts = append(parts, "flip-v")
	}
	if t.HasFill() {
		parts = append(parts, "fill="+string(t.BackgroundFill))
	}
	return strings.Join(parts, ",")
}

func printResults(w io.Writer, result pipeline.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSIZE\tBEFORE\tAFTER\tSAVED\tOUTPUT")
	for _, r := range result.Images {
		if !r.Succeeded() {
			fmt.Fprintf(tw, "%s\t-\t%d\t-\t-\tfailed: %s\n", r.Name, r.SourceBytes, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%dx%d\t%d\t%d\t%s\t%s\n",
			r.Name, r.Width, r.Height, r.SourceBytes, r.Bytes, savedPercent(r.SourceBytes, r.Bytes), r.Path)
	}
	_ = tw.Flush()
	if result.SourceBytes > 0 {
		fmt.Fprintf(w, "total: %d -> %d bytes (%s saved)\n",
			result.SourceBytes, result.OutputBytes, savedPercent(result.SourceBytes, result.OutputBytes))
	}
}

func savedPercent(before, after int) string {
	if before <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.0f%%", 100*float64(before-after)/float64(before))
}
