package main

import (
	"fmt"
	"image"
	"math"
)

// ImageDescriptor is the probed shape of a source image: its stored pixel
// dimensions plus the clockwise rotation its EXIF orientation asks for.
type ImageDescriptor struct {
	RawWidth        int `json:"raw_width"`
	RawHeight       int `json:"raw_height"`
	RotationDegrees int `json:"rotation_degrees"`
}

// NewImageDescriptor builds a descriptor, degrading any rotation other than
// 0, 90, 180 or 270 to 0.
func NewImageDescriptor(rawWidth, rawHeight, rotationDegrees int) ImageDescriptor {
	switch rotationDegrees {
	case 0, 90, 180, 270:
	default:
		rotationDegrees = 0
	}
	return ImageDescriptor{
		RawWidth:        rawWidth,
		RawHeight:       rawHeight,
		RotationDegrees: rotationDegrees,
	}
}

// IsFlipped reports whether the rotation swaps width and height.
func (d ImageDescriptor) IsFlipped() bool {
	return d.RotationDegrees == 90 || d.RotationDegrees == 270
}

// EffectiveWidth is the width of the image once rotated upright.
func (d ImageDescriptor) EffectiveWidth() int {
	if d.IsFlipped() {
		return d.RawHeight
	}
	return d.RawWidth
}

// EffectiveHeight is the height of the image once rotated upright.
func (d ImageDescriptor) EffectiveHeight() int {
	if d.IsFlipped() {
		return d.RawWidth
	}
	return d.RawHeight
}

// NormalizedRect is a crop region expressed as fractions (0.0 to 1.0) of the
// upright image width and height. Left <= Right and Top <= Bottom is expected
// but not enforced.
type NormalizedRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (r NormalizedRect) Width() float64 {
	return r.Right - r.Left
}

func (r NormalizedRect) Height() float64 {
	return r.Bottom - r.Top
}

func (r NormalizedRect) String() string {
	return fmt.Sprintf("area(l=%.3f,t=%.3f,r=%.3f,b=%.3f)", r.Left, r.Top, r.Right, r.Bottom)
}

// CropPlan says which pixels of the upright source to read and how large the
// output buffer is. SourcePixelRect is not canonicalized: an inverted area
// gives Min > Max and negative Dx/Dy.
type CropPlan struct {
	SourcePixelRect image.Rectangle
	OutputWidth     int
	OutputHeight    int
}

// SamplePlan describes the two-stage shrink of sampleImage: a power-of-two
// decode-time sample followed by an optional float resize.
type SamplePlan struct {
	InSampleSize   int
	PostScaleRatio float64
	// FinalWidth and FinalHeight are in the decoder's (raw) orientation.
	FinalWidth  int
	FinalHeight int
}

// NeedsScaling reports whether a resize pass follows the sampled decode.
func (p SamplePlan) NeedsScaling() bool {
	return p.PostScaleRatio != 1
}

// Scale applies the post-sample ratio to the dimensions the decoder actually
// produced.
func (p SamplePlan) Scale(decodedWidth, decodedHeight int) (width, height int) {
	if !p.NeedsScaling() {
		return decodedWidth, decodedHeight
	}
	return int(math.Round(float64(decodedWidth) * p.PostScaleRatio)),
		int(math.Round(float64(decodedHeight) * p.PostScaleRatio))
}

// ResolveCrop computes the crop plan for area at the given scale. Output sizes
// truncate toward zero and are never clamped.
func ResolveCrop(d ImageDescriptor, area NormalizedRect, scale float64) CropPlan {
	w, h := d.EffectiveWidth(), d.EffectiveHeight()
	return CropPlan{
		SourcePixelRect: SourceRect(w, h, area),
		OutputWidth:     int(float64(w) * area.Width() * scale),
		OutputHeight:    int(float64(h) * area.Height() * scale),
	}
}

// SourceRect maps area onto a pixel buffer of the given size. The buffer must
// already be upright.
func SourceRect(bufferWidth, bufferHeight int, area NormalizedRect) image.Rectangle {
	return image.Rectangle{
		Min: image.Point{
			X: int(math.Round(float64(bufferWidth) * area.Left)),
			Y: int(math.Round(float64(bufferHeight) * area.Top)),
		},
		Max: image.Point{
			X: int(math.Round(float64(bufferWidth) * area.Right)),
			Y: int(math.Round(float64(bufferHeight) * area.Bottom)),
		},
	}
}

// ResolveSampling picks the decode sample size and follow-up resize for
// fitting d into maxWidth x maxHeight.
//
// The halving loop only engages when both axes still exceed the bounds, and
// the resize only happens when the probed image exceeds the bounds on both
// axes. The ratio takes the less restrictive axis, so one side may stay
// larger than its bound.
func ResolveSampling(d ImageDescriptor, maxWidth, maxHeight int) SamplePlan {
	plan := SamplePlan{
		InSampleSize:   1,
		PostScaleRatio: 1,
		FinalWidth:     d.RawWidth,
		FinalHeight:    d.RawHeight,
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return plan
	}

	w, h := d.EffectiveWidth(), d.EffectiveHeight()
	halfW, halfH := w/2, h/2
	for (halfH/plan.InSampleSize) >= maxHeight && (halfW/plan.InSampleSize) >= maxWidth {
		plan.InSampleSize <<= 1
	}

	decodedW, decodedH := d.RawWidth/plan.InSampleSize, d.RawHeight/plan.InSampleSize
	if w > maxWidth && h > maxHeight {
		plan.PostScaleRatio = math.Max(
			float64(maxWidth)/float64(w),
			float64(maxHeight)/float64(h),
		)
	}
	plan.FinalWidth, plan.FinalHeight = plan.Scale(decodedW, decodedH)
	return plan
}
