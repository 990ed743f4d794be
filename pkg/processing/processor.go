// Package processing loads inspection images, encodes them for vision models,
// crops anomaly regions and renders reviewed shapes onto the image.
package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

const component = "processing"

// maxDownloadBytes caps the size of a downloaded image
const maxDownloadBytes = 64 << 20

// Processor handles image processing operations
type Processor struct {
	client *http.Client
	logger *slog.Logger
}

// NewProcessor creates a new image processor
func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.ForModule(logger, component),
	}
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "thermal-annotator/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to download image: %w", err)).
			Component(component).
			Category(errors.CategoryNetwork).
			Context("url", imageURL).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("failed to download image: HTTP %d", resp.StatusCode).
			Component(component).
			Category(errors.CategoryHTTP).
			Context("url", imageURL).
			Build()
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return DecodeImage(data)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component(component).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// DecodeImage decodes PNG, JPEG, GIF or WebP data
func DecodeImage(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, errors.Newf("image: unknown or unsupported format").
		Component(component).
		Category(errors.CategoryImage).
		Build()
}

// DecodeBase64 decodes an image delivered as base64, optionally as a data URL
// such as "data:image/png;base64,..."
func DecodeBase64(s string) (image.Image, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return DecodeImage(data)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// CropAnomaly crops the region of a normalized box, grown by padding (a
// fraction of the box size on each side). When a target size is given the
// crop is filled to exactly that size.
func (p *Processor) CropAnomaly(img image.Image, box types.Box, padding float64, targetWidth, targetHeight int) (image.Image, error) {
	b := box.Normalize()
	if padding > 0 {
		pw, ph := b.Width()*padding, b.Height()*padding
		b = types.NewBox(b[0]-pw, b[1]-ph, b[2]+pw, b[3]+ph).Normalize()
	}

	bounds := img.Bounds()
	x0, y0, x1, y1 := boxToPixels(b, bounds.Dx(), bounds.Dy())
	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, errors.Newf("empty crop rectangle for box %s", box.Key()).
			Component(component).
			Category(errors.CategoryImage).
			Build()
	}

	cropped := imaging.Crop(img, rect)
	if targetWidth > 0 && targetHeight > 0 {
		cropped = imaging.Fill(cropped, targetWidth, targetHeight, imaging.Center, imaging.Lanczos)
	}
	return cropped, nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	var err error
	switch strings.ToLower(format) {
	case "webp":
		err = saveWebP(img, path, quality, lossless)
	case "png":
		err = imaging.Save(img, path)
	default: // jpg/jpeg
		err = imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return errors.New(fmt.Errorf("failed to save image: %w", err)).
			Component(component).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("format", format).
			Build()
	}
	p.logger.Debug("image saved", "path", path, "format", format)
	return nil
}

func saveWebP(img image.Image, path string, quality int, lossless bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
	if err := webp.Encode(f, img, opts); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// boxToPixels converts a normalized box to pixel corners, at least one pixel wide
func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(types.Clamp01(box[0])*float64(w) + 0.5)
	y0 := int(types.Clamp01(box[1])*float64(h) + 0.5)
	x1 := int(types.Clamp01(box[2])*float64(w) + 0.5)
	y1 := int(types.Clamp01(box[3])*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}
