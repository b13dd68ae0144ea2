package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("imagecrop"),
		kong.Description("Crops, samples and inspects images over a local method channel."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/imagecrop/config.json"),
	)
	if err := cliCtx.Run(&args.Globals); err != nil {
		return err
	}

	return nil
}

type Globals struct {
	CacheDir     string `help:"Directory cropped and sampled images are written to" type:"path" env:"IMAGECROP_CACHE_DIR"`
	Verbose      bool   `help:"Enable verbose logging" default:"false" env:"IMAGECROP_VERBOSE"`
	LogFile      string `help:"Also write logs to this file, rotated" type:"path" env:"IMAGECROP_LOG_FILE"`
	Quality      int    `help:"JPEG quality of produced images" default:"100" env:"IMAGECROP_QUALITY"`
	Exiftool     string `help:"Path to the exiftool binary used to copy EXIF tags" env:"IMAGECROP_EXIFTOOL"`
	DisableExif  bool   `help:"Do not copy EXIF tags onto sampled images" env:"IMAGECROP_DISABLE_EXIF"`
	GrantStorage bool   `help:"Answer storage permission prompts with yes" env:"IMAGECROP_GRANT_STORAGE"`
}

func (g *Globals) setupLogging() {
	level := zerolog.InfoLevel
	if g.Verbose {
		level = zerolog.DebugLevel
	}
	var out io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})
	if g.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   g.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 2,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log.Logger = log.Output(out).Level(level)
	zerolog.DefaultContextLogger = &log.Logger
}

func (g *Globals) cacheDir() (string, error) {
	dir := g.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "imagecrop")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return dir, nil
}

// channelRuntime bundles what every command needs to talk to a method channel.
type channelRuntime struct {
	Channel  *MethodChannel
	Broker   *PermissionBroker
	CacheDir string

	loop    *MainLoop
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func() error
}

// start builds the channel and runs its main loop until close is called.
// prompter may be nil to route permission prompts through the broker.
func (g *Globals) start(ctx context.Context, prompter Prompter) (*channelRuntime, error) {
	g.setupLogging()

	dir, err := g.cacheDir()
	if err != nil {
		return nil, err
	}

	rt := &channelRuntime{
		Broker:   NewPermissionBroker(),
		CacheDir: dir,
		loop:     NewMainLoop(),
	}

	var tags TagStore
	if !g.DisableExif {
		store, err := NewExiftoolStore(g.Exiftool)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("EXIF tags will not be copied")
		} else {
			tags = store
			rt.closers = append(rt.closers, store.Close)
		}
	}

	if prompter == nil {
		prompter = rt.Broker
	}
	if g.GrantStorage {
		prompter = grantAll{}
	}

	executor := OperationExecutor{
		CacheDir: dir,
		Codec:    NewImagingCodec(tags),
		Quality:  g.Quality,
	}
	gate := &PermissionGate{
		Check:    storageChecker(dir),
		Prompter: prompter,
	}
	rt.Channel = NewMethodChannel(executor, gate, rt.loop)

	loopCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.loop.Run(loopCtx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("main loop stopped")
		}
	}()

	return rt, nil
}

// call invokes op and waits for its reply.
func (rt *channelRuntime) call(ctx context.Context, op Operation) (Reply, error) {
	res := NewReplyResult()
	rt.Channel.Invoke(ctx, op, res)
	return res.Wait(ctx)
}

func (rt *channelRuntime) close() {
	rt.Channel.Close()
	rt.cancel()
	rt.wg.Wait()
	for _, fn := range rt.closers {
		if err := fn(); err != nil {
			log.Error().Err(err).Msg("failed to close")
		}
	}
}

type grantAll struct{}

func (grantAll) Prompt(_ context.Context, perms []Permission) (Grants, error) {
	grants := Grants{}
	for _, p := range perms {
		grants[p] = true
	}
	return grants, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	return log.Logger.WithContext(ctx), cancel
}

type serveCmd struct {
	Addr string `help:"Address to listen on" default:"localhost:0" env:"IMAGECROP_ADDR"`
}

func (cmd *serveCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := g.start(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.close()
	ctx = log.Logger.WithContext(ctx)

	app := NewWebApp(Config{
		Addr:        cmd.Addr,
		CacheDir:    rt.CacheDir,
		Channel:     rt.Channel,
		Permissions: rt.Broker,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Str("channel", ChannelName).Msgf("Server started at %s", addr)
		},
	})

	return app.Run(ctx)
}

type cropCmd struct {
	Path   string  `arg:"" help:"Source image" type:"existingfile"`
	Scale  float64 `help:"Scale applied to the cropped area" default:"1"`
	Left   float64 `help:"Left edge, 0 to 1" default:"0"`
	Top    float64 `help:"Top edge, 0 to 1" default:"0"`
	Right  float64 `help:"Right edge, 0 to 1" default:"1"`
	Bottom float64 `help:"Bottom edge, 0 to 1" default:"1"`
}

func (cmd *cropCmd) Run(g *Globals) error {
	return runOne(g, Operation{Crop: &CropOperation{
		Path:   cmd.Path,
		Scale:  cmd.Scale,
		Left:   cmd.Left,
		Top:    cmd.Top,
		Right:  cmd.Right,
		Bottom: cmd.Bottom,
	}})
}

type sampleCmd struct {
	Path          string `arg:"" help:"Source image" type:"existingfile"`
	MaximumWidth  int    `help:"Maximum width" required:""`
	MaximumHeight int    `help:"Maximum height" required:""`
}

func (cmd *sampleCmd) Run(g *Globals) error {
	op := &SampleOperation{Path: cmd.Path, MaximumWidth: cmd.MaximumWidth, MaximumHeight: cmd.MaximumHeight}
	if err := op.validate(); err != nil {
		return err
	}
	return runOne(g, Operation{Sample: op})
}

type optionsCmd struct {
	Path string `arg:"" help:"Source image" type:"existingfile"`
}

func (cmd *optionsCmd) Run(g *Globals) error {
	return runOne(g, Operation{Options: &OptionsOperation{Path: cmd.Path}})
}

type suggestCmd struct {
	Path         string `arg:"" help:"Source image" type:"existingfile"`
	AspectWidth  int    `help:"Aspect ratio width" default:"1"`
	AspectHeight int    `help:"Aspect ratio height" default:"1"`
}

func (cmd *suggestCmd) Run(g *Globals) error {
	op := &SuggestOperation{Path: cmd.Path, AspectWidth: cmd.AspectWidth, AspectHeight: cmd.AspectHeight}
	if err := op.validate(); err != nil {
		return err
	}
	return runOne(g, Operation{Suggest: op})
}

type permissionsCmd struct{}

func (cmd *permissionsCmd) Run(g *Globals) error {
	prompter := TerminalPrompter{In: os.Stdin, Out: os.Stderr}
	return runOneWith(g, prompter, Operation{Permissions: &PermissionsOperation{}})
}

type batchCmd struct {
	File        string `arg:"" help:"JSON lines of {\"method\":...,\"arguments\":{...}}, - for stdin" default:"-"`
	Concurrency int    `help:"Maximum concurrent operations, 0 for one per CPU" default:"0"`
}

func (cmd *batchCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	ops, err := readOperations(cmd.File)
	if err != nil {
		return err
	}

	// Operations read from stdin leave it at EOF, so prompts there answer no.
	prompter := TerminalPrompter{In: os.Stdin, Out: os.Stderr}
	rt, err := g.start(ctx, prompter)
	if err != nil {
		return err
	}
	defer rt.close()
	ctx = log.Logger.WithContext(ctx)

	runner := BatchRunner{Channel: rt.Channel, MaxConcurrency: cmd.Concurrency}
	replies, err := runner.Exec(ctx, ops)
	printJSONL(replies)
	return err
}

func readOperations(path string) ([]Operation, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var ops []Operation
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var op Operation
		if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

func runOne(g *Globals, op Operation) error {
	return runOneWith(g, nil, op)
}

func runOneWith(g *Globals, prompter Prompter, op Operation) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := g.start(ctx, prompter)
	if err != nil {
		return err
	}
	defer rt.close()
	ctx = log.Logger.WithContext(ctx)

	reply, err := rt.call(ctx, op)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("%s: %s", reply.Error.Code, reply.Error.Message)
	}
	printJSONL([]any{reply.Value})
	return nil
}

type cliArgs struct {
	Globals

	Serve       serveCmd       `cmd:"" default:"withargs" help:"Serve the method channel over HTTP"`
	Crop        cropCmd        `cmd:"" help:"Crop an image"`
	Sample      sampleCmd      `cmd:"" help:"Downsample an image to fit a maximum size"`
	Options     optionsCmd     `cmd:"" help:"Print the upright dimensions of an image"`
	Suggest     suggestCmd     `cmd:"" help:"Suggest a crop area for an aspect ratio"`
	Permissions permissionsCmd `cmd:"" help:"Check and request storage permissions"`
	Batch       batchCmd       `cmd:"" help:"Run method calls from a JSON lines file"`
}

func printJSONL[T any](data []T) {
	enc := json.NewEncoder(os.Stdout)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
