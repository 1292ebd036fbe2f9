package domain

import (
	"net/url"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// UploadsPath is the URL path under which uploaded blobs are served.
const UploadsPath = "/api/uploads/"

// VoiceNotesPath is the URL path for uploaded voice notes.
const VoiceNotesPath = UploadsPath + "voice-notes/"

var markdown = goldmark.New()

// ImageContent is the description content embedding an uploaded image.
func ImageContent(url string) string { return "![](" + url + ")" }

// VoiceNoteContent is the description content linking an uploaded voice note.
func VoiceNoteContent(url string) string { return "[voice note](" + url + ")" }

// Uploads recognises references to files stored by this server. With base
// URLs set, an absolute reference counts only when its host and path prefix
// match one of them; relative references always count. The zero value accepts
// any host.
type Uploads struct {
	prefixes map[string]string
}

// NewUploads builds a matcher for the given public base URLs. Empty or
// unparsable entries are skipped.
func NewUploads(baseURLs ...string) Uploads {
	u := Uploads{}
	for _, raw := range baseURLs {
		base, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || base.Host == "" {
			continue
		}
		if u.prefixes == nil {
			u.prefixes = make(map[string]string)
		}
		u.prefixes[strings.ToLower(base.Host)] = strings.TrimRight(base.Path, "/") + UploadsPath
	}
	return u
}

// FileRefs returns the uploaded filenames referenced by the descriptions, in order
// of appearance and without duplicates. Images and links count; code spans do not.
func (u Uploads) FileRefs(descs []Description) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, d := range descs {
		if !strings.Contains(d.Content, UploadsPath) {
			continue
		}
		for _, name := range u.contentFileRefs(d.Content) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// TaskFileRefs collects the file references of several tasks.
func (u Uploads) TaskFileRefs(tasks []Task) []string {
	var descs []Description
	for _, t := range tasks {
		descs = append(descs, t.Descriptions...)
	}
	return u.FileRefs(descs)
}

// FileRefs matches upload links on any host.
func FileRefs(descs []Description) []string { return Uploads{}.FileRefs(descs) }

func (u Uploads) contentFileRefs(content string) []string {
	src := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(src))
	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var dest string
		switch node := n.(type) {
		case *ast.Image:
			dest = string(node.Destination)
		case *ast.Link:
			dest = string(node.Destination)
		case *ast.AutoLink:
			dest = string(node.URL(src))
		default:
			return ast.WalkContinue, nil
		}
		if name, ok := u.Filename(dest); ok {
			out = append(out, name)
		}
		return ast.WalkContinue, nil
	})
	return out
}

// UploadFilename recovers the blob filename from an upload URL on any host.
func UploadFilename(ref string) (string, bool) { return Uploads{}.Filename(ref) }

// Filename recovers the blob filename from an upload URL.
func (u Uploads) Filename(ref string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	switch {
	case parsed.Host == "" && parsed.Scheme == "":
		if !strings.HasPrefix(parsed.Path, UploadsPath) && !u.hasPrefix(parsed.Path) {
			return "", false
		}
	case u.prefixes == nil:
		if !strings.Contains(parsed.Path, UploadsPath) {
			return "", false
		}
	default:
		prefix, ok := u.prefixes[strings.ToLower(parsed.Host)]
		if !ok || !strings.HasPrefix(parsed.Path, prefix) {
			return "", false
		}
	}
	name := path.Base(parsed.Path)
	switch name {
	case "", ".", "..", "/", "uploads", "voice-notes":
		return "", false
	}
	return name, true
}

func (u Uploads) hasPrefix(p string) bool {
	for _, prefix := range u.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
