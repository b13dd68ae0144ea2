package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rs/zerolog/log"
)

// exifAllowlist is the set of tags carried from a source image onto a sampled
// copy, named the way exiftool names them. ModifyDate is EXIF DateTime.
var exifAllowlist = []string{
	"ModifyDate",
	"Orientation",
	"GPSLatitude",
	"GPSLatitudeRef",
	"GPSLongitude",
	"GPSLongitudeRef",
	"GPSAltitude",
	"GPSAltitudeRef",
	"GPSTimeStamp",
	"GPSDateStamp",
	"GPSProcessingMethod",
	"Make",
	"Model",
	"ExposureTime",
	"FNumber",
	"ISO",
	"Flash",
	"FocalLength",
	"WhiteBalance",
}

// TagStore reads and writes EXIF attributes by tag name.
type TagStore interface {
	// ReadTags returns the subset of tags present on path. Absent tags are
	// left out of the map.
	ReadTags(ctx context.Context, path string, tags []string) (map[string]string, error)
	WriteTags(ctx context.Context, path string, values map[string]string) error
}

// copyExif copies the allowlisted tags present on src onto dst.
func copyExif(ctx context.Context, store TagStore, src, dst string, tags []string) error {
	values, err := store.ReadTags(ctx, src, tags)
	if err != nil {
		return fmt.Errorf("failed to read tags from %s: %w", src, err)
	}
	if len(values) == 0 {
		log.Ctx(ctx).Debug().Str("source", src).Msg("no EXIF tags to copy")
		return nil
	}
	if err := store.WriteTags(ctx, dst, values); err != nil {
		return fmt.Errorf("failed to write tags to %s: %w", dst, err)
	}
	log.Ctx(ctx).Debug().Str("source", src).Str("dest", dst).Int("tags", len(values)).Msg("copied EXIF tags")
	return nil
}

// ExiftoolStore is a TagStore backed by a single long-running exiftool
// process.
type ExiftoolStore struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewExiftoolStore starts exiftool. binaryPath may be empty to use the one on
// PATH.
func NewExiftoolStore(binaryPath string) (*ExiftoolStore, error) {
	var opts []func(*exiftool.Exiftool) error
	if binaryPath != "" {
		opts = append(opts, exiftool.SetExiftoolBinaryPath(binaryPath))
	}
	et, err := exiftool.NewExiftool(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &ExiftoolStore{et: et}, nil
}

func (s *ExiftoolStore) ReadTags(ctx context.Context, path string, tags []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fms := s.et.ExtractMetadata(path)
	if len(fms) == 0 {
		return nil, fmt.Errorf("no metadata returned for %s", path)
	}
	fm := fms[0]
	if fm.Err != nil {
		return nil, fm.Err
	}

	values := make(map[string]string, len(tags))
	for _, tag := range tags {
		v, err := fm.GetString(tag)
		if err != nil {
			if !errors.Is(err, exiftool.ErrKeyNotFound) {
				log.Ctx(ctx).Debug().Err(err).Str("tag", tag).Msg("skipping unreadable tag")
			}
			continue
		}
		if v == "" {
			continue
		}
		values[tag] = v
	}
	return values, nil
}

func (s *ExiftoolStore) WriteTags(_ context.Context, path string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm := exiftool.FileMetadata{
		File:   path,
		Fields: make(map[string]interface{}, len(values)),
	}
	for tag, v := range values {
		fm.SetString(tag, v)
	}
	fms := []exiftool.FileMetadata{fm}
	s.et.WriteMetadata(fms)
	return fms[0].Err
}

func (s *ExiftoolStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.et.Close()
}
