package bo

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/abboe/broker/pkg/types"
)

// ContentKind tags the variants of Content
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindRaw   ContentKind = "raw"
)

// Content is a decoded, type-specific view of an object's payload
type Content interface {
	Kind() ContentKind
	ContentType() string
}

// Text is text/* content
type Text struct {
	Type string
	Body string
}

func (t Text) Kind() ContentKind   { return KindText }
func (t Text) ContentType() string { return t.Type }

// Image is image/* content. Format, Width and Height are filled when a
// registered image decoder recognises the data.
type Image struct {
	Type   string
	Format string
	Width  int
	Height int
	Data   []byte
}

func (i Image) Kind() ContentKind   { return KindImage }
func (i Image) ContentType() string { return i.Type }

// Raw is any content without a registered decoder
type Raw struct {
	Type string
	Data []byte
}

func (r Raw) Kind() ContentKind   { return KindRaw }
func (r Raw) ContentType() string { return r.Type }

// DecodeFunc decodes the payload of an object with a matching content type
type DecodeFunc func(contentType string, payload []byte) (Content, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]DecodeFunc{
		"text/":  decodeText,
		"image/": decodeImage,
	}
)

// RegisterContentType installs fn for content types starting with prefix.
// The longest matching prefix wins.
func RegisterContentType(prefix string, fn DecodeFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[prefix] = fn
}

// DecodeContent returns the type-specific view of obj's payload
func DecodeContent(obj *BusinessObject) (Content, error) {
	if !obj.HasContent() {
		return nil, types.NewError(types.ErrCodeInvalid, "object has no content")
	}
	contentType := obj.Type()

	registryMu.RLock()
	prefixes := make([]string, 0, len(registry))
	for p := range registry {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	var fn DecodeFunc
	for _, p := range prefixes {
		if strings.HasPrefix(contentType, p) {
			fn = registry[p]
			break
		}
	}
	registryMu.RUnlock()

	if fn == nil {
		return Raw{Type: contentType, Data: obj.Payload}, nil
	}
	return fn(contentType, obj.Payload)
}

func decodeText(contentType string, payload []byte) (Content, error) {
	if !utf8.Valid(payload) {
		return nil, types.NewError(types.ErrCodeInvalid, "text content is not valid UTF-8")
	}
	return Text{Type: contentType, Body: string(payload)}, nil
}

func decodeImage(contentType string, payload []byte) (Content, error) {
	img := Image{Type: contentType, Data: payload}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(payload)); err == nil {
		img.Format = format
		img.Width = cfg.Width
		img.Height = cfg.Height
	}
	return img, nil
}
