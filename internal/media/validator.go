package media

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

var typeLabels = map[string]string{
	"image/jpeg":      "JPEG",
	"image/png":       "PNG",
	"image/gif":       "GIF",
	"image/webp":      "WEBP",
	"application/pdf": "PDF",
}

// Validator enforces the upload size limit and the accepted content types
type Validator struct {
	maxSize int64
	allowed []string
	index   map[string]bool
}

// NewValidator creates a validator
func NewValidator(maxSize int64, allowed []string) *Validator {
	v := &Validator{maxSize: maxSize, index: make(map[string]bool)}
	for _, t := range allowed {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || v.index[t] {
			continue
		}
		v.allowed = append(v.allowed, t)
		v.index[t] = true
	}
	return v
}

// MaxSize returns the size limit in bytes
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// SizeMessage is the error shown for oversized files
func (v *Validator) SizeMessage() string {
	return fmt.Sprintf("File size exceeds %s limit", humanSize(v.maxSize))
}

// TypeMessage is the error shown for rejected content types
func (v *Validator) TypeMessage() string {
	labels := make([]string, 0, len(v.allowed))
	for _, t := range v.allowed {
		label, ok := typeLabels[t]
		if !ok {
			label = strings.ToUpper(t[strings.LastIndex(t, "/")+1:])
		}
		labels = append(labels, label)
	}

	var list string
	switch len(labels) {
	case 0:
		return "Invalid file type. No file types are allowed"
	case 1:
		list = labels[0]
	default:
		list = strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
	}
	return "Invalid file type. Only " + list + " are allowed"
}

// CheckSize fails when size is over the limit
func (v *Validator) CheckSize(size int64) error {
	if size > v.maxSize {
		return utils.NewAppError(utils.ErrCodeValidation, v.SizeMessage(), fmt.Sprintf("%d bytes", size))
	}
	return nil
}

// ResolveType returns the effective content type of a file. Declared types
// are trusted unless missing or generic, in which case the content is sniffed.
func (v *Validator) ResolveType(declared string, data []byte) string {
	t := normalizeType(declared)
	if t == "" || t == "application/octet-stream" {
		return normalizeType(mimetype.Detect(data).String())
	}
	return t
}

// CheckType fails when contentType is not accepted
func (v *Validator) CheckType(contentType string) error {
	if !v.index[normalizeType(contentType)] {
		return utils.NewAppError(utils.ErrCodeValidation, v.TypeMessage(), contentType)
	}
	return nil
}

// Check validates f, size first, and fills in its resolved content type
func (v *Validator) Check(f *File) error {
	if err := v.CheckSize(f.Size()); err != nil {
		return err
	}
	f.ContentType = v.ResolveType(f.ContentType, f.Data)
	return v.CheckType(f.ContentType)
}

func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(parsed)
	}
	return strings.ToLower(t)
}

func humanSize(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	if n >= mb {
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%d KB", n/1024)
}
