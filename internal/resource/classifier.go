// Package resource classifies captured network responses and aggregates
// per-page transfer statistics.
package resource

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Resource categories.
const (
	CategoryCSS      = "css"
	CategoryJS       = "js"
	CategoryImage    = "image"
	CategoryFont     = "font"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryPDF      = "pdf"
	CategoryJSON     = "json"
	CategoryXML      = "xml"
	CategoryDocument = "document"
	CategoryXHR      = "xhr"
	CategoryOther    = "other"
)

// Category is the classification of one response.
type Category struct {
	Type    string
	Subtype string
}

type family struct {
	name    string
	matches func(contentType string) bool
}

// Content-type families in precedence order. image precedes xml so svg stays an image.
var families = []family{
	{CategoryCSS, func(ct string) bool { return strings.HasPrefix(ct, "text/css") }},
	{CategoryJS, func(ct string) bool { return strings.Contains(ct, "javascript") || strings.Contains(ct, "ecmascript") }},
	{CategoryImage, func(ct string) bool { return strings.HasPrefix(ct, "image/") }},
	{CategoryFont, func(ct string) bool {
		return strings.HasPrefix(ct, "font/") || strings.Contains(ct, "font-") || strings.Contains(ct, "woff")
	}},
	{CategoryVideo, func(ct string) bool { return strings.HasPrefix(ct, "video/") }},
	{CategoryAudio, func(ct string) bool { return strings.HasPrefix(ct, "audio/") }},
	{CategoryPDF, func(ct string) bool { return strings.Contains(ct, "pdf") || strings.Contains(ct, "postscript") }},
	{CategoryJSON, func(ct string) bool { return strings.Contains(ct, "json") }},
	{CategoryXML, func(ct string) bool { return strings.Contains(ct, "xml") }},
}

var extensionFamilies = map[string]string{
	".css":   CategoryCSS,
	".js":    CategoryJS,
	".mjs":   CategoryJS,
	".cjs":   CategoryJS,
	".png":   CategoryImage,
	".jpg":   CategoryImage,
	".jpeg":  CategoryImage,
	".gif":   CategoryImage,
	".webp":  CategoryImage,
	".svg":   CategoryImage,
	".ico":   CategoryImage,
	".avif":  CategoryImage,
	".bmp":   CategoryImage,
	".woff":  CategoryFont,
	".woff2": CategoryFont,
	".ttf":   CategoryFont,
	".otf":   CategoryFont,
	".eot":   CategoryFont,
	".mp4":   CategoryVideo,
	".webm":  CategoryVideo,
	".ogv":   CategoryVideo,
	".mov":   CategoryVideo,
	".m3u8":  CategoryVideo,
	".mp3":   CategoryAudio,
	".wav":   CategoryAudio,
	".ogg":   CategoryAudio,
	".aac":   CategoryAudio,
	".flac":  CategoryAudio,
	".pdf":   CategoryPDF,
	".json":  CategoryJSON,
	".xml":   CategoryXML,
}

var subtypeAliases = map[string]string{
	"jpeg":               "jpg",
	"pjpeg":              "jpg",
	"svg+xml":            "svg",
	"x-icon":             "ico",
	"vnd.microsoft.icon": "ico",
	"x-font-woff":        "woff",
	"font-woff":          "woff",
	"font-woff2":         "woff2",
	"x-font-ttf":         "ttf",
	"font-sfnt":          "ttf",
	"x-font-opentype":    "otf",
	"vnd.ms-fontobject":  "eot",
	"mpeg":               "mp3",
	"x-mpegurl":          "m3u8",
	"vnd.apple.mpegurl":  "m3u8",
	"quicktime":          "mov",
}

var knownSubtypes = map[string]map[string]struct{}{
	CategoryImage: setOf("png", "jpg", "gif", "webp", "svg", "ico", "avif", "bmp"),
	CategoryFont:  setOf("woff", "woff2", "ttf", "otf", "eot"),
	CategoryVideo: setOf("mp4", "webm", "ogv", "mov", "m3u8"),
	CategoryAudio: setOf("mp3", "wav", "ogg", "aac", "flac"),
}

var rawTypes = map[string]string{
	"document":   CategoryDocument,
	"stylesheet": CategoryCSS,
	"script":     CategoryJS,
	"image":      CategoryImage,
	"font":       CategoryFont,
	"media":      CategoryVideo,
	"xhr":        CategoryXHR,
	"fetch":      CategoryXHR,
}

// Classify resolves a response category. The content-type family wins over the
// URL extension, which wins over the browser-reported type.
func Classify(rawURL, contentType, rawType string) Category {
	ct := normalizeContentType(contentType)
	ext := extension(rawURL)

	for _, fam := range families {
		if ct != "" && fam.matches(ct) {
			return Category{Type: fam.name, Subtype: refine(fam.name, ct, ext)}
		}
	}
	if name, ok := extensionFamilies[ext]; ok {
		return Category{Type: name, Subtype: refine(name, "", ext)}
	}
	if name, ok := rawTypes[strings.ToLower(strings.TrimSpace(rawType))]; ok {
		return Category{Type: name, Subtype: refine(name, "", ext)}
	}
	return Category{Type: CategoryOther}
}

// Aggregate classifies any unclassified records and sums non-cached responses.
// Cached responses stay in the per-resource list but never count toward totals.
func Aggregate(records []monitor.ResourceRecord) monitor.ResourceStats {
	stats := monitor.ResourceStats{
		ByCategory: make(map[string]monitor.CategoryStats),
		Resources:  make([]monitor.ResourceRecord, 0, len(records)),
	}
	for _, rec := range records {
		if rec.Category == "" {
			cat := Classify(rec.URL, rec.MimeType, rec.RawType)
			rec.Category = cat.Type
			rec.Subtype = cat.Subtype
		}
		stats.Resources = append(stats.Resources, rec)
		if rec.FromCache {
			stats.CachedCount++
			continue
		}
		stats.TotalSize += rec.ByteSize
		stats.TotalCount++
		stats.TotalLoadTime += rec.LoadTimeMs

		bucket := stats.ByCategory[rec.Category]
		bucket.Count++
		bucket.Size += rec.ByteSize
		bucket.LoadTime += rec.LoadTimeMs
		stats.ByCategory[rec.Category] = bucket
	}
	return stats
}

func refine(category, contentType, ext string) string {
	known, ok := knownSubtypes[category]
	if !ok {
		return ""
	}
	if contentType != "" {
		if idx := strings.IndexByte(contentType, '/'); idx >= 0 {
			sub := contentType[idx+1:]
			if alias, ok := subtypeAliases[sub]; ok {
				sub = alias
			}
			if _, ok := known[sub]; ok {
				return sub
			}
		}
	}
	if extensionFamilies[ext] == category {
		sub := strings.TrimPrefix(ext, ".")
		if sub == "jpeg" {
			sub = "jpg"
		}
		if _, ok := known[sub]; ok {
			return sub
		}
	}
	return ""
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct
}

func extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

func setOf(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
