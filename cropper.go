package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Codec is the imaging capability the executor drives. The geometry is
// decided by the resolver; a Codec only carries it out.
type Codec interface {
	Probe(ctx context.Context, path string) (ImageDescriptor, error)
	// Decode loads the image in its stored orientation, shrunk by the
	// power-of-two sampleSize.
	Decode(ctx context.Context, path string, sampleSize int) (image.Image, error)
	// Transform rotates img clockwise by degrees.
	Transform(img image.Image, degrees int) image.Image
	// DrawRegion draws the src pixels inside srcRect into a new width x height
	// buffer.
	DrawRegion(src image.Image, srcRect image.Rectangle, width, height int) image.Image
	Resize(img image.Image, width, height int) image.Image
	EncodeJPEG(ctx context.Context, w io.Writer, img image.Image, quality int) error
	CopyTags(ctx context.Context, src, dst string, tags []string) error
}

// ImagingCodec is an implementation of the Codec interface
// using the disintegration/imaging library
type ImagingCodec struct {
	// Tags copies EXIF attributes. Nil disables tag copying.
	Tags TagStore
}

// NewImagingCodec creates a new instance of ImagingCodec
func NewImagingCodec(tags TagStore) *ImagingCodec {
	return &ImagingCodec{Tags: tags}
}

func (c *ImagingCodec) Probe(ctx context.Context, path string) (ImageDescriptor, error) {
	return probeImage(ctx, path)
}

func (c *ImagingCodec) Decode(_ context.Context, path string, sampleSize int) (image.Image, error) {
	// Orientation is applied by the caller from the probed descriptor.
	src, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if sampleSize <= 1 {
		return src, nil
	}

	bounds := src.Bounds()
	w := max(bounds.Dx()/sampleSize, 1)
	h := max(bounds.Dy()/sampleSize, 1)
	return imaging.Resize(src, w, h, imaging.Box), nil
}

func (c *ImagingCodec) Transform(img image.Image, degrees int) image.Image {
	// imaging rotates counter-clockwise
	switch degrees {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func (c *ImagingCodec) DrawRegion(src image.Image, srcRect image.Rectangle, width, height int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))

	// Inverted rectangles intersect to empty and draw nothing.
	clipped := srcRect.Intersect(src.Bounds())
	if clipped.Empty() || dst.Bounds().Empty() {
		return dst
	}

	// Map the clipped source back onto the part of dst it covers so pixels
	// outside the source stay transparent.
	sx := float64(width) / float64(srcRect.Dx())
	sy := float64(height) / float64(srcRect.Dy())
	dr := image.Rect(
		int(math.Round(float64(clipped.Min.X-srcRect.Min.X)*sx)),
		int(math.Round(float64(clipped.Min.Y-srcRect.Min.Y)*sy)),
		int(math.Round(float64(clipped.Max.X-srcRect.Min.X)*sx)),
		int(math.Round(float64(clipped.Max.Y-srcRect.Min.Y)*sy)),
	)
	draw.BiLinear.Scale(dst, dr, src, clipped, draw.Over, nil)
	return dst
}

func (c *ImagingCodec) Resize(img image.Image, width, height int) image.Image {
	return imaging.Resize(img, max(width, 1), max(height, 1), imaging.Linear)
}

func (c *ImagingCodec) EncodeJPEG(ctx context.Context, w io.Writer, img image.Image, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return nil
}

func (c *ImagingCodec) CopyTags(ctx context.Context, src, dst string, tags []string) error {
	if c.Tags == nil {
		return nil
	}
	return copyExif(ctx, c.Tags, src, dst, tags)
}
