package media

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	internalconstants "whatsgate/internal/constants"
	"whatsgate/pkg/constants"
	"whatsgate/pkg/whatsapp/types"
)

// Limits caps attachment sizes per kind, in megabytes
type Limits struct {
	ImageMB    int
	VideoMB    int
	VoiceMB    int
	DocumentMB int
}

func DefaultLimits() Limits {
	return Limits{
		ImageMB:    constants.DefaultMaxImageSizeMB,
		VideoMB:    constants.DefaultMaxVideoSizeMB,
		VoiceMB:    constants.DefaultMaxVoiceSizeMB,
		DocumentMB: constants.DefaultMaxDocumentSizeMB,
	}
}

// Request describes an attachment as submitted through the API. Exactly one of
// URL and Data (base64) is set.
type Request struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Preparer struct {
	limits Limits
}

func NewPreparer(limits Limits) *Preparer {
	return &Preparer{limits: limits}
}

// Prepare validates an attachment and fills in its MIME type
func (p *Preparer) Prepare(req Request) (types.Media, error) {
	switch {
	case req.URL != "" && req.Data != "":
		return types.Media{}, fmt.Errorf("media must have either a url or data, not both")
	case req.URL != "":
		return p.fromURL(req)
	case req.Data != "":
		return p.fromData(req)
	default:
		return types.Media{}, fmt.Errorf("media requires a url or data")
	}
}

func (p *Preparer) fromURL(req Request) (types.Media, error) {
	if err := ValidateURL(req.URL); err != nil {
		return types.Media{}, err
	}

	u, _ := url.Parse(req.URL)
	filename := req.Filename
	if filename == "" {
		filename = path.Base(u.Path)
		if filename == "." || filename == "/" {
			filename = ""
		}
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = MimeTypeFromName(u.Path)
	}

	return types.Media{URL: req.URL, MimeType: mimeType, Filename: filename}, nil
}

func (p *Preparer) fromData(req Request) (types.Media, error) {
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return types.Media{}, fmt.Errorf("media data is not valid base64: %w", err)
	}
	if len(data) == 0 {
		return types.Media{}, fmt.Errorf("media data is empty")
	}

	mimeType := req.MimeType
	if mimeType == "" && req.Filename != "" {
		mimeType = MimeTypeFromName(req.Filename)
	}
	if mimeType == "" || mimeType == internalconstants.DefaultMimeType {
		sniff := data
		if len(sniff) > constants.MimeDetectionBufferSize {
			sniff = sniff[:constants.MimeDetectionBufferSize]
		}
		mimeType = http.DetectContentType(sniff)
	}

	if err := p.checkSize(mimeType, len(data)); err != nil {
		return types.Media{}, err
	}

	return types.Media{Data: data, MimeType: mimeType, Filename: req.Filename}, nil
}

func (p *Preparer) checkSize(mimeType string, size int) error {
	var limitMB int
	var kind string
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		limitMB, kind = p.limits.ImageMB, "image"
	case strings.HasPrefix(mimeType, "video/"):
		limitMB, kind = p.limits.VideoMB, "video"
	case strings.HasPrefix(mimeType, "audio/"):
		limitMB, kind = p.limits.VoiceMB, "audio"
	default:
		limitMB, kind = p.limits.DocumentMB, "document"
	}

	if limitMB > 0 && size > limitMB*constants.BytesPerMegabyte {
		return fmt.Errorf("%s too large: %d > %d bytes", kind, size, limitMB*constants.BytesPerMegabyte)
	}
	return nil
}

// MimeTypeFromName guesses a MIME type from a file name or URL path
func MimeTypeFromName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if mt, ok := internalconstants.MimeTypes[ext]; ok {
		return mt
	}
	return internalconstants.DefaultMimeType
}

// ValidateURL accepts absolute http(s) URLs without embedded credentials
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("media URL has no host")
	}
	if u.User != nil {
		return fmt.Errorf("media URL must not contain credentials")
	}
	return nil
}
