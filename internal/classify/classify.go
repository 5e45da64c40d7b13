// Package classify decides how a child response is returned over HTTP:
// as the JSON-RPC document itself, or as the binary media it embeds.
package classify

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// ContentTypeJSON is used for every non-media response.
const ContentTypeJSON = "application/json"

// Directive describes the HTTP representation of one response.
type Directive struct {
	Binary      bool
	ContentType string
	Body        []byte
}

type envelope struct {
	Result *struct {
		Content []json.RawMessage `json:"content"`
	} `json:"result"`
}

type mediaItem struct {
	Data     *string `json:"data"`
	MIMEType *string `json:"mimeType"`
}

// Classify inspects result.content[0] of resp. When it carries both a string
// data field and a string mimeType field, the decoded bytes are returned as
// a binary directive. Any other response, including one whose data cannot be
// decoded, is returned verbatim as JSON. Only the first element is
// considered; multi-part media is not supported.
func Classify(resp json.RawMessage) Directive {
	if item, ok := firstMediaItem(resp); ok {
		if payload, err := DecodeBase64(*item.Data); err == nil {
			return Directive{Binary: true, ContentType: *item.MIMEType, Body: payload}
		}
	}
	return Directive{ContentType: ContentTypeJSON, Body: resp}
}

// IsMedia reports whether resp declares embedded media, regardless of
// whether its payload decodes.
func IsMedia(resp json.RawMessage) bool {
	_, ok := firstMediaItem(resp)
	return ok
}

func firstMediaItem(resp json.RawMessage) (mediaItem, bool) {
	var env envelope
	if json.Unmarshal(resp, &env) != nil || env.Result == nil || len(env.Result.Content) == 0 {
		return mediaItem{}, false
	}
	var item mediaItem
	if json.Unmarshal(env.Result.Content[0], &item) != nil {
		return mediaItem{}, false
	}
	if item.Data == nil || item.MIMEType == nil || *item.MIMEType == "" {
		return mediaItem{}, false
	}
	return item, true
}

// DecodeBase64 accepts the standard and URL-safe alphabets, with or without
// padding, and ignores embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var err error
	for _, enc := range encodings {
		var b []byte
		if b, err = enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, err
}
