// Package imageproc adapts the teacher's pure-Go imaging pipeline
// (internal/imaging/processor.go, rendition.go, validator.go) into a
// concrete ports.ImageProcessor: decode once, validate against
// decompression-bomb limits, emit the source bytes untouched as the
// "original" variant, and derive a fixed thumbnail/preview ladder from
// it via github.com/disintegration/imaging.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/webp"

	"uploadfinalizer/internal/ports"
)

type Processor struct {
	limits     Limits
	renditions []Rendition
}

func NewProcessor() *Processor {
	return &Processor{
		limits:     DefaultLimits(),
		renditions: DefaultRenditions(),
	}
}

func (p *Processor) Process(ctx context.Context, in ports.ProcessInput) (ports.ProcessOutput, error) {
	data, err := io.ReadAll(in.Data)
	if err != nil {
		return ports.ProcessOutput{}, fmt.Errorf("imageproc: read source: %w", err)
	}

	format, err := validateBytes(data, p.limits)
	if err != nil {
		return ports.ProcessOutput{}, err
	}

	original := ports.Variant{
		Name:        ports.OriginalVariant,
		Data:        bytes.NewReader(data),
		ContentType: in.ContentType,
		Hash:        ComputeContentHash(data),
	}
	variants := []ports.Variant{original}

	// HEIC/AVIF sources pass through as the original only: Go's image
	// package (and disintegration/imaging on top of it) cannot decode
	// either format, so no derived renditions are produced for them.
	if format == "heic" || format == "avif" {
		return ports.ProcessOutput{Variants: variants}, nil
	}

	srcImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ports.ProcessOutput{}, fmt.Errorf("imageproc: decode source: %w", err)
	}

	if err := p.checkDimensions(srcImg); err != nil {
		return ports.ProcessOutput{}, err
	}

	// Renditions encode concurrently: each is an independent resize+
	// encode over the same decoded source image, grounded on the
	// teacher's parallel-derivative pattern in imaging.Service
	// (internal/imaging/service.go), generalized from parallel uploads
	// to parallel encodes since this processor never touches storage.
	encoded := make([]*ports.Variant, len(p.renditions))
	g, _ := errgroup.WithContext(ctx)
	bounds := srcImg.Bounds()
	for i, r := range p.renditions {
		i, r := i, r
		if r.Width > 0 && r.Width > bounds.Dx() && (r.Height == 0 || r.Height > bounds.Dy()) {
			continue // never upscale past the source
		}
		g.Go(func() error {
			resized := resizeAndCrop(srcImg, r)
			buf, err := encodeJPEG(resized, r.Quality)
			if err != nil {
				return fmt.Errorf("imageproc: encode %s: %w", r.Name, err)
			}
			encoded[i] = &ports.Variant{
				Name:        r.Name,
				Data:        bytes.NewReader(buf),
				ContentType: "image/jpeg",
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ports.ProcessOutput{}, err
	}
	for _, v := range encoded {
		if v != nil {
			variants = append(variants, *v)
		}
	}

	return ports.ProcessOutput{Variants: variants}, nil
}

func (p *Processor) checkDimensions(img image.Image) error {
	b := img.Bounds()
	if b.Dx() > p.limits.MaxDimension || b.Dy() > p.limits.MaxDimension {
		return fmt.Errorf("imageproc: dimensions %dx%d exceed maximum %d", b.Dx(), b.Dy(), p.limits.MaxDimension)
	}
	if int64(b.Dx())*int64(b.Dy()) > p.limits.MaxPixels {
		return fmt.Errorf("imageproc: image too large (potential decompression bomb)")
	}
	return nil
}

func resizeAndCrop(src image.Image, r Rendition) image.Image {
	bounds := src.Bounds()
	switch r.CropMode {
	case CropCenterSquare:
		size := bounds.Dx()
		if bounds.Dy() < size {
			size = bounds.Dy()
		}
		cropped := imaging.CropCenter(src, size, size)
		return imaging.Resize(cropped, r.Width, r.Height, imaging.Lanczos)
	case CropFitWidth:
		return imaging.Resize(src, r.Width, 0, imaging.Lanczos)
	default:
		return imaging.Fit(src, r.Width, r.Height, imaging.Lanczos)
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
