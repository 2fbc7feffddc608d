package imageprocessor

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// DefaultMaxBytes bounds a single upload.
const DefaultMaxBytes = 10 << 20

// ErrInvalidInput marks payloads rejected before they reach a backend.
var ErrInvalidInput = errors.New("invalid image input")

var supportedTypes = []string{"image/jpeg", "image/png", "image/webp"}

// EncodedImage is an upload converted into the representation backends consume.
type EncodedImage struct {
	MIMEType string
	Width    int
	Height   int
	Size     int
	SHA1     string
	DataURL  string
}

// Encoder validates raw uploads and encodes them as data URLs.
type Encoder struct {
	MaxBytes int
}

// NewEncoder returns an Encoder; a non-positive maxBytes selects DefaultMaxBytes.
func NewEncoder(maxBytes int) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Encoder{MaxBytes: maxBytes}
}

// SupportedTypes lists the accepted image MIME types.
func SupportedTypes() []string {
	return append([]string(nil), supportedTypes...)
}

// IsSupportedType reports whether contentType is an accepted image MIME type.
func IsSupportedType(contentType string) bool {
	for _, t := range supportedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// Encode checks that data is a non-empty, bounded, decodable image and
// returns its data URL encoding.
func (e *Encoder) Encode(data []byte) (EncodedImage, error) {
	if len(data) == 0 {
		return EncodedImage{}, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if e.MaxBytes > 0 && len(data) > e.MaxBytes {
		return EncodedImage{}, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrInvalidInput, len(data), e.MaxBytes)
	}

	mime := mimetype.Detect(data)
	if !mimetype.EqualsAny(mime.String(), supportedTypes...) {
		return EncodedImage{}, fmt.Errorf("%w: unsupported content type %s", ErrInvalidInput, mime.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return EncodedImage{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return EncodedImage{}, fmt.Errorf("%w: image has no pixels", ErrInvalidInput)
	}

	sum := sha1.Sum(data)
	return EncodedImage{
		MIMEType: mime.String(),
		Width:    cfg.Width,
		Height:   cfg.Height,
		Size:     len(data),
		SHA1:     hex.EncodeToString(sum[:]),
		DataURL:  "data:" + mime.String() + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}
