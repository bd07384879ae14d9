package blankscreen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// defaultIgnoredTags never count as rendered content.
var defaultIgnoredTags = []string{
	"script", "style", "link", "meta", "noscript", "template",
	"head", "title", "base", "br", "wbr",
}

const (
	defaultMaxElements   = 5000
	defaultMaxTextLength = 20000
)

// ProbeOptions is the typed payload handed to the in-page probe. Collection
// is limited to what the enabled checks need. Keywords are matched in the page
// against the full text; MaxTextLength only caps the returned body_text.
type ProbeOptions struct {
	CollectDOM     bool     `json:"collect_dom"`
	CollectContent bool     `json:"collect_content"`
	CollectText    bool     `json:"collect_text"`
	IgnoredTags    []string `json:"ignored_tags"`
	Keywords       []string `json:"keywords"`
	MaxElements    int      `json:"max_elements"`
	MaxTextLength  int      `json:"max_text_length"`
}

// OptionsFor derives probe options from the classifier configuration.
func OptionsFor(cfg monitor.BlankScreenConfig) ProbeOptions {
	return ProbeOptions{
		CollectDOM:     cfg.Checks.DOMStructure,
		CollectContent: cfg.Checks.Content,
		CollectText:    cfg.Checks.TextMatch,
		IgnoredTags:    defaultIgnoredTags,
		Keywords:       keywordsFor(cfg),
		MaxElements:    defaultMaxElements,
		MaxTextLength:  defaultMaxTextLength,
	}
}

func keywordsFor(cfg monitor.BlankScreenConfig) []string {
	if !cfg.Checks.TextMatch {
		return nil
	}
	return append([]string(nil), cfg.ErrorKeywords...)
}

// NeedsPage reports whether any page-side data has to be collected.
func (o ProbeOptions) NeedsPage() bool {
	return o.CollectDOM || o.CollectContent || o.CollectText
}

// Snapshot is what the probe reads from the rendered page.
type Snapshot struct {
	ElementCount     int     `json:"element_count"`
	BodyHeight       float64 `json:"body_height"`
	HTMLHeight       float64 `json:"html_height"`
	ViewportHeight   float64 `json:"viewport_height"`
	TextLength       int     `json:"text_length"`
	LoadedImageCount int     `json:"loaded_image_count"`
	BackgroundCount  int     `json:"background_count"`
	CanvasCount      int     `json:"canvas_count"`
	Title            string  `json:"title"`
	BodyText         string  `json:"body_text"`
	// MatchedKeywords are the keywords the page found in its untruncated text.
	MatchedKeywords []string `json:"matched_keywords"`
}

const probeBody = `(function __pagewatchProbe(opts) {
  const out = {
    element_count: 0, body_height: 0, html_height: 0, viewport_height: window.innerHeight || 0,
    text_length: 0, loaded_image_count: 0, background_count: 0, canvas_count: 0,
    title: document.title || '', body_text: '', matched_keywords: []
  };
  const body = document.body;
  const html = document.documentElement;
  out.body_height = body ? Math.max(body.scrollHeight, body.offsetHeight) : 0;
  out.html_height = html ? Math.max(html.scrollHeight, html.offsetHeight) : 0;
  if (!body) { return out; }
  const ignored = new Set((opts.ignored_tags || []).map((t) => t.toUpperCase()));
  const visible = (el) => {
    const style = window.getComputedStyle(el);
    if (style.display === 'none' || style.visibility === 'hidden' || parseFloat(style.opacity) === 0) { return null; }
    const rect = el.getBoundingClientRect();
    if (rect.width <= 0 || rect.height <= 0) { return null; }
    return style;
  };
  if (opts.collect_dom || opts.collect_content) {
    const all = body.getElementsByTagName('*');
    const limit = Math.min(all.length, opts.max_elements || all.length);
    for (let i = 0; i < limit; i++) {
      const el = all[i];
      if (ignored.has(el.tagName.toUpperCase())) { continue; }
      const style = visible(el);
      if (!style) { continue; }
      out.element_count++;
      if (style.backgroundImage && style.backgroundImage.indexOf('url(') !== -1) { out.background_count++; }
    }
    for (const img of Array.from(document.images)) {
      if (img.complete && img.naturalWidth > 0 && visible(img)) { out.loaded_image_count++; }
    }
    out.canvas_count = Array.from(document.getElementsByTagName('canvas')).filter((c) => visible(c)).length;
  }
  const text = (body.innerText || '').replace(/\s+/g, ' ').trim();
  out.text_length = text.length;
  if (opts.collect_text) {
    out.body_text = text.slice(0, opts.max_text_length || text.length);
    const haystack = (out.title + '\n' + text).toLowerCase();
    out.matched_keywords = (opts.keywords || []).filter((k) => {
      const needle = String(k).trim().toLowerCase();
      return needle !== '' && haystack.indexOf(needle) !== -1;
    });
  }
  return out;
})`

// ProbeExpression renders the probe with opts embedded as a JSON literal.
func ProbeExpression(opts ProbeOptions) (string, error) {
	payload, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode probe options: %w", err)
	}
	var b strings.Builder
	b.Grow(len(probeBody) + len(payload) + 4)
	b.WriteString(probeBody)
	b.WriteByte('(')
	b.Write(payload)
	b.WriteByte(')')
	return b.String(), nil
}
