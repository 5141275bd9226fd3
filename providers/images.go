package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// maxImageBytes caps decoded image size at 20 MiB.
	maxImageBytes = 20 * 1024 * 1024

	defaultImageFetchTimeout = 30 * time.Second
)

// ErrImage marks every image-processing failure so callers can classify
// without string matching.
var ErrImage = errors.New("image error")

// ErrImageTooLarge is returned when an image exceeds the 20 MiB cap,
// whether detected from Content-Length, the decoded data-URL payload, or
// the actual fetched bytes.
var ErrImageTooLarge = fmt.Errorf("%w: image exceeds %d bytes", ErrImage, maxImageBytes)

func imageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrImage, fmt.Sprintf(format, args...))
}

// ImageData is a fetched image ready for inlining into a provider body.
type ImageData struct {
	Data     string // base64-encoded bytes
	MimeType string
}

// ImageProcessor resolves image references (data URLs and remote URLs) into
// base64 payloads for providers that require inline image data.
//
// Error messages from this type never include the image URL; URLs routinely
// carry signed query tokens that must not leak into logs or API responses.
type ImageProcessor struct {
	client *http.Client

	// Prod refuses plain-http fetches.
	Prod bool
}

// NewImageProcessor creates an ImageProcessor with the given HTTP client.
// A nil client gets a default with a 30s timeout.
func NewImageProcessor(client *http.Client, prod bool) *ImageProcessor {
	if client == nil {
		client = &http.Client{Timeout: defaultImageFetchTimeout}
	}
	return &ImageProcessor{client: client, Prod: prod}
}

// Fetch resolves an image reference into base64 data and a MIME type.
func (ip *ImageProcessor) Fetch(ctx context.Context, ref string) (ImageData, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return parseDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ip.fetchRemote(ctx, ref)
	default:
		return ImageData{}, imageErr("unsupported image reference scheme")
	}
}

// parseDataURL parses data:<mime>[;base64],<payload>. Non-base64 payloads are
// URL-decoded percent sequences left as-is and re-encoded to base64.
func parseDataURL(ref string) (ImageData, error) {
	rest := strings.TrimPrefix(ref, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return ImageData{}, imageErr("malformed data URL")
	}

	isBase64 := strings.HasSuffix(meta, ";base64")
	mimeType := strings.TrimSuffix(meta, ";base64")
	if !strings.HasPrefix(mimeType, "image/") {
		return ImageData{}, imageErr("data URL is not an image")
	}

	if isBase64 {
		// Estimate the decoded size before decoding anything.
		if base64.StdEncoding.DecodedLen(len(payload)) > maxImageBytes {
			return ImageData{}, ErrImageTooLarge
		}
		if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
			return ImageData{}, imageErr("invalid base64 image payload")
		}
		return ImageData{Data: payload, MimeType: mimeType}, nil
	}

	if len(payload) > maxImageBytes {
		return ImageData{}, ErrImageTooLarge
	}
	return ImageData{
		Data:     base64.StdEncoding.EncodeToString([]byte(payload)),
		MimeType: mimeType,
	}, nil
}

// fetchRemote downloads a remote image, enforcing scheme, content type, and
// size limits. The URL never appears in returned errors.
func (ip *ImageProcessor) fetchRemote(ctx context.Context, url string) (ImageData, error) {
	if ip.Prod && !strings.HasPrefix(url, "https://") {
		return ImageData{}, imageErr("refusing non-https image URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageData{}, imageErr("building image request")
	}

	resp, err := ip.client.Do(req)
	if err != nil {
		return ImageData{}, imageErr("image fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ImageData{}, imageErr("image fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return ImageData{}, imageErr("fetched content is not an image (%s)", contentType)
	}

	if resp.ContentLength > maxImageBytes {
		return ImageData{}, ErrImageTooLarge
	}

	// Read one byte past the cap so oversized bodies without Content-Length
	// are detected without buffering the whole payload.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return ImageData{}, imageErr("reading image body")
	}
	if len(body) > maxImageBytes {
		return ImageData{}, ErrImageTooLarge
	}

	return ImageData{
		Data:     base64.StdEncoding.EncodeToString(body),
		MimeType: contentType,
	}, nil
}
