package capture

import (
	"encoding/base64"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
)

// decodeDataURL parses a "data:<mime>;base64,<data>" URL and returns the
// mime type and decoded byte size — the raw bytes themselves are discarded
// immediately, per the invariant that image_metadata never retains base64.
func decodeDataURL(url string) (mime string, size int, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", 0, false
	}
	rest := url[len(prefix):]

	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", 0, false
	}
	meta := rest[:comma]
	data := rest[comma+1:]

	mime = strings.TrimSuffix(meta, ";base64")
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return mime, 0, mime != ""
	}
	return mime, len(decoded), true
}

// reindexImages assigns sequential, encounter-order Index values.
func reindexImages(imgs []model.ImageMetadata) []model.ImageMetadata {
	for i := range imgs {
		imgs[i].Index = i
	}
	return imgs
}
