package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/muesli/smartcrop"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	methodCropImage          = "cropImage"
	methodSampleImage        = "sampleImage"
	methodGetImageOptions    = "getImageOptions"
	methodRequestPermissions = "requestPermissions"
	methodSuggestArea        = "suggestArea"
)

// ErrNotImplemented is returned for a method the channel does not handle.
var ErrNotImplemented = errors.New("method not implemented")

// Operation is one decoded method call. Exactly one field is set.
type Operation struct {
	Crop        *CropOperation
	Sample      *SampleOperation
	Options     *OptionsOperation
	Permissions *PermissionsOperation
	Suggest     *SuggestOperation
}

// ParseOperation decodes the arguments of method into an Operation.
func ParseOperation(method string, args json.RawMessage) (Operation, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var o Operation
	var target interface{ validate() error }
	switch method {
	case methodCropImage:
		o.Crop = &CropOperation{}
		target = o.Crop
	case methodSampleImage:
		o.Sample = &SampleOperation{}
		target = o.Sample
	case methodGetImageOptions:
		o.Options = &OptionsOperation{}
		target = o.Options
	case methodRequestPermissions:
		o.Permissions = &PermissionsOperation{}
		target = o.Permissions
	case methodSuggestArea:
		o.Suggest = &SuggestOperation{}
		target = o.Suggest
	default:
		return Operation{}, fmt.Errorf("%w: %q", ErrNotImplemented, method)
	}

	if err := json.Unmarshal(args, target); err != nil {
		return Operation{}, invalidf(err, "Invalid arguments for %s", method)
	}
	if err := target.validate(); err != nil {
		return Operation{}, invalidf(err, "Invalid arguments for %s", method)
	}
	return o, nil
}

// unmarshal
func (o *Operation) UnmarshalJSON(data []byte) error {
	var call struct {
		Method    string          `json:"method"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &call); err != nil {
		return fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	op, err := ParseOperation(call.Method, call.Arguments)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	var args any
	switch {
	case o.Crop != nil:
		args = o.Crop
	case o.Sample != nil:
		args = o.Sample
	case o.Options != nil:
		args = o.Options
	case o.Permissions != nil:
		args = o.Permissions
	case o.Suggest != nil:
		args = o.Suggest
	}
	return json.Marshal(struct {
		Method    string `json:"method"`
		Arguments any    `json:"arguments,omitempty"`
	}{o.Method(), args})
}

// Method returns the channel method name of o.
func (o Operation) Method() string {
	switch {
	case o.Crop != nil:
		return methodCropImage
	case o.Sample != nil:
		return methodSampleImage
	case o.Options != nil:
		return methodGetImageOptions
	case o.Permissions != nil:
		return methodRequestPermissions
	case o.Suggest != nil:
		return methodSuggestArea
	}
	return ""
}

type CropOperation struct {
	Path   string  `json:"path"`
	Scale  float64 `json:"scale"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (op CropOperation) Area() NormalizedRect {
	return NormalizedRect{Left: op.Left, Top: op.Top, Right: op.Right, Bottom: op.Bottom}
}

func (op CropOperation) validate() error {
	return requirePath(op.Path)
}

type SampleOperation struct {
	Path          string `json:"path"`
	MaximumWidth  int    `json:"maximumWidth"`
	MaximumHeight int    `json:"maximumHeight"`
}

func (op SampleOperation) validate() error {
	if err := requirePath(op.Path); err != nil {
		return err
	}
	if op.MaximumWidth <= 0 || op.MaximumHeight <= 0 {
		return fmt.Errorf("maximum size must be positive, got %dx%d", op.MaximumWidth, op.MaximumHeight)
	}
	return nil
}

type OptionsOperation struct {
	Path string `json:"path"`
}

func (op OptionsOperation) validate() error {
	return requirePath(op.Path)
}

type PermissionsOperation struct{}

func (PermissionsOperation) validate() error { return nil }

type SuggestOperation struct {
	Path         string `json:"path"`
	AspectWidth  int    `json:"aspectWidth"`
	AspectHeight int    `json:"aspectHeight"`
}

func (op SuggestOperation) validate() error {
	if err := requirePath(op.Path); err != nil {
		return err
	}
	if op.AspectWidth <= 0 || op.AspectHeight <= 0 {
		return fmt.Errorf("aspect must be positive, got %d:%d", op.AspectWidth, op.AspectHeight)
	}
	return nil
}

func requirePath(p string) error {
	if p == "" {
		return errors.New("path is required")
	}
	return nil
}

// OperationExecutor runs the imaging side of each method against a Codec and
// writes its outputs to CacheDir.
type OperationExecutor struct {
	CacheDir string
	Codec    Codec
	Quality  int
	ExifTags []string
}

func (r OperationExecutor) quality() int {
	if r.Quality <= 0 || r.Quality > 100 {
		return 100
	}
	return r.Quality
}

func (r OperationExecutor) exifTags() []string {
	if r.ExifTags == nil {
		return exifAllowlist
	}
	return r.ExifTags
}

func (r OperationExecutor) CropImage(ctx context.Context, op CropOperation) (string, error) {
	area := op.Area()
	log.Ctx(ctx).Info().Str("path", op.Path).Stringer("area", area).Float64("scale", op.Scale).Msg("cropping")

	if err := sourceExists(op.Path); err != nil {
		return "", err
	}
	src, err := r.Codec.Decode(ctx, op.Path, 1)
	if err != nil {
		return "", invalid(msgCannotDecode, err)
	}
	desc, err := r.Codec.Probe(ctx, op.Path)
	if err != nil {
		return "", invalid(msgCannotDecode, err)
	}
	if desc.RotationDegrees != 0 {
		src = r.Codec.Transform(src, desc.RotationDegrees)
	}

	plan := ResolveCrop(desc, area, op.Scale)
	b := src.Bounds()
	srcRect := SourceRect(b.Dx(), b.Dy(), area).Add(b.Min)
	log.Ctx(ctx).Debug().
		Str("source_rect", srcRect.String()).
		Int("width", plan.OutputWidth).
		Int("height", plan.OutputHeight).
		Msg("resolved crop")

	out := r.Codec.DrawRegion(src, srcRect, plan.OutputWidth, plan.OutputHeight)
	return r.save(ctx, out)
}

func (r OperationExecutor) SampleImage(ctx context.Context, op SampleOperation) (string, error) {
	log.Ctx(ctx).Info().Str("path", op.Path).Int("max_width", op.MaximumWidth).Int("max_height", op.MaximumHeight).Msg("sampling")

	if err := sourceExists(op.Path); err != nil {
		return "", err
	}
	desc, err := r.Codec.Probe(ctx, op.Path)
	if err != nil {
		return "", invalid(msgCannotDecode, err)
	}

	plan := ResolveSampling(desc, op.MaximumWidth, op.MaximumHeight)
	img, err := r.Codec.Decode(ctx, op.Path, plan.InSampleSize)
	if err != nil {
		return "", invalid(msgCannotDecode, err)
	}
	if plan.NeedsScaling() {
		b := img.Bounds()
		w, h := plan.Scale(b.Dx(), b.Dy())
		img = r.Codec.Resize(img, w, h)
	}
	log.Ctx(ctx).Debug().
		Int("sample_size", plan.InSampleSize).
		Float64("ratio", plan.PostScaleRatio).
		Str("size", img.Bounds().Size().String()).
		Msg("resolved sampling")

	dst, err := r.save(ctx, img)
	if err != nil {
		return "", err
	}
	if err := r.Codec.CopyTags(ctx, op.Path, dst, r.exifTags()); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("path", op.Path).Msg("failed to copy EXIF")
	}
	return dst, nil
}

func (r OperationExecutor) ImageOptions(ctx context.Context, op OptionsOperation) (ImageOptions, error) {
	if err := sourceExists(op.Path); err != nil {
		return ImageOptions{}, err
	}
	desc, err := r.Codec.Probe(ctx, op.Path)
	if err != nil {
		return ImageOptions{}, invalid(msgCannotDecode, err)
	}
	return optionsOf(desc), nil
}

// SuggestArea finds the best crop of the requested aspect in the upright image
// and returns it normalized, ready to be passed back to cropImage.
func (r OperationExecutor) SuggestArea(ctx context.Context, op SuggestOperation) (NormalizedRect, error) {
	log.Ctx(ctx).Info().Str("path", op.Path).Int("aspect_width", op.AspectWidth).Int("aspect_height", op.AspectHeight).Msg("suggesting area")

	if err := sourceExists(op.Path); err != nil {
		return NormalizedRect{}, err
	}
	desc, err := r.Codec.Probe(ctx, op.Path)
	if err != nil {
		return NormalizedRect{}, invalid(msgCannotDecode, err)
	}
	img, err := r.Codec.Decode(ctx, op.Path, 1)
	if err != nil {
		return NormalizedRect{}, invalid(msgCannotDecode, err)
	}
	if desc.RotationDegrees != 0 {
		img = r.Codec.Transform(img, desc.RotationDegrees)
	}

	analyzer := smartcrop.NewAnalyzer(codecResizer{codec: r.Codec})
	crop, err := analyzer.FindBestCrop(img, op.AspectWidth, op.AspectHeight)
	if err != nil {
		return NormalizedRect{}, invalid("Could not analyze image", err)
	}
	return normalize(crop, img.Bounds()), nil
}

// codecResizer adapts a Codec to the smartcrop.Resizer interface.
type codecResizer struct {
	codec Codec
}

func (r codecResizer) Resize(img image.Image, width, height uint) image.Image {
	if width == 0 || height == 0 {
		b := img.Bounds()
		if width == 0 {
			width = uint(max(1, b.Dx()*int(height)/max(b.Dy(), 1)))
		}
		if height == 0 {
			height = uint(max(1, b.Dy()*int(width)/max(b.Dx(), 1)))
		}
	}
	return r.codec.Resize(img, int(width), int(height))
}

func normalize(r, bounds image.Rectangle) NormalizedRect {
	r = r.Sub(bounds.Min)
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	return NormalizedRect{
		Left:   float64(r.Min.X) / w,
		Top:    float64(r.Min.Y) / h,
		Right:  float64(r.Max.X) / w,
		Bottom: float64(r.Max.Y) / h,
	}
}

func (r OperationExecutor) save(ctx context.Context, img image.Image) (string, error) {
	if err := os.MkdirAll(r.CacheDir, 0755); err != nil {
		return "", invalid(msgCannotSave, fmt.Errorf("failed to create cache directory %s: %w", r.CacheDir, err))
	}
	f, err := os.CreateTemp(r.CacheDir, "image_crop_"+uuid.NewString()+"_*.jpg")
	if err != nil {
		return "", invalid(msgCannotSave, err)
	}
	name := f.Name()

	if err := r.Codec.EncodeJPEG(ctx, f, img, r.quality()); err != nil {
		f.Close()
		os.Remove(name)
		return "", invalid(msgCannotSave, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", invalid(msgCannotSave, err)
	}
	log.Ctx(ctx).Debug().Str("file", name).Msg("saved image")
	return name, nil
}

func sourceExists(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return invalid(msgCannotOpen, err)
	}
	if info.IsDir() {
		return invalid(msgCannotOpen, fmt.Errorf("%s is a directory", p))
	}
	return nil
}

// BatchRunner executes a list of operations through a channel and collects
// one reply per operation, in input order.
type BatchRunner struct {
	Channel        *MethodChannel
	MaxConcurrency int
}

type BatchReply struct {
	Operation Operation `json:"operation"`
	Reply
}

func (b BatchRunner) Exec(ctx context.Context, ops []Operation) ([]BatchReply, error) {
	if len(ops) == 0 {
		log.Ctx(ctx).Warn().Msg("no operations to execute")
		return nil, nil
	}

	limit := b.MaxConcurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	pooler := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(limit)

	replies := make([]BatchReply, len(ops))
	for i, op := range ops {
		pooler.Go(func(ctx context.Context) error {
			res := NewReplyResult()
			b.Channel.Invoke(ctx, op, res)
			reply, err := res.Wait(ctx)
			if err != nil {
				return fmt.Errorf("operation %d (%s): %w", i, op.Method(), err)
			}
			if reply.Error != nil {
				log.Ctx(ctx).Error().
					Str("code", reply.Error.Code).
					Str("message", reply.Error.Message).
					Interface("op", op).
					Msg("failed to execute operation")
			}
			replies[i] = BatchReply{Operation: op, Reply: reply}
			return nil
		})
	}

	if err := pooler.Wait(); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Msg("finished with errors")
		return replies, err
	}

	return replies, nil
}
