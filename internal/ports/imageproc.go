package ports

import (
	"context"
	"io"
)

// Variant is one derived (or passthrough) artifact of a processed image.
// At least one variant named "original" is required, emitting the
// source bytes byte-for-byte.
type Variant struct {
	Name        string
	Data        io.Reader
	ContentType string
	// Hash is the hex-encoded SHA-256 digest of the variant's bytes.
	// Only the "original" variant populates it; the orchestrator uses
	// it as an integrity check against the bytes it staged.
	Hash string
}

// ProcessInput is the source image handed to an ImageProcessor.
type ProcessInput struct {
	Data        io.Reader
	ContentType string
}

// ProcessOutput carries the ordered list of variants an ImageProcessor
// produced. Consumption order of the variants is unrestricted.
type ProcessOutput struct {
	Variants []Variant
}

// ImageProcessor is the pure transform capability the orchestrator
// delegates to. It never touches blob storage or metadata itself.
type ImageProcessor interface {
	Process(ctx context.Context, in ProcessInput) (ProcessOutput, error)
}

const OriginalVariant = "original"
