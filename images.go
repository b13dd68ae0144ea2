package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// ImageOptions is the reply of getImageOptions: upright dimensions.
type ImageOptions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func optionsOf(d ImageDescriptor) ImageOptions {
	return ImageOptions{
		Width:  d.EffectiveWidth(),
		Height: d.EffectiveHeight(),
	}
}

// probeImage reads the image header and EXIF orientation without decoding
// pixel data.
func probeImage(ctx context.Context, filePath string) (ImageDescriptor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return ImageDescriptor{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return ImageDescriptor{}, fmt.Errorf("failed to read image header: %w", err)
	}

	degrees, err := readRotationDegrees(file)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("path", filePath).Str("format", format).Msg("cannot read EXIF orientation")
		degrees = 0
	}

	return NewImageDescriptor(cfg.Width, cfg.Height, degrees), nil
}

var errNoOrientation = errors.New("no EXIF orientation")

func readRotationDegrees(r io.ReadSeeker) (int, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	x, err := exif.Decode(r)
	if err != nil {
		return 0, fmt.Errorf("failed to decode EXIF: %w", err)
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0, errNoOrientation
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return 0, fmt.Errorf("invalid orientation tag: %w", err)
	}
	return orientationDegrees(orientation), nil
}

// orientationDegrees maps an EXIF orientation code to a clockwise rotation.
// Mirrored orientations are not modeled.
func orientationDegrees(orientation int) int {
	switch orientation {
	case 3:
		return 180
	case 6:
		return 90
	case 8:
		return 270
	default:
		return 0
	}
}
