package chat

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(`:[a-z-]+:`)
	markerPattern      = regexp.MustCompile(`⟦PH(\d+)⟧`)
)

// Protected is text whose placeholder tokens were swapped for opaque markers.
type Protected struct {
	Text         string
	placeholders []string
}

func marker(i int) string { return "⟦PH" + strconv.Itoa(i) + "⟧" }

// ProtectPlaceholders replaces every `:name:` token in text with a unique
// marker so a rewriter cannot alter it.
func ProtectPlaceholders(text string) Protected {
	var ph []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(tok string) string {
		ph = append(ph, tok)
		return marker(len(ph) - 1)
	})
	return Protected{Text: out, placeholders: ph}
}

// Restore puts the original tokens back into rewritten. Markers are matched by
// identity, so a rewriter that moves them keeps its order. Markers it dropped
// are appended in source order; unknown or repeated markers and any
// placeholder-shaped token the rewriter made up are removed.
func (p Protected) Restore(rewritten string) string {
	stripped := false
	out := placeholderPattern.ReplaceAllStringFunc(rewritten, func(string) string {
		stripped = true
		return ""
	})

	used := make([]bool, len(p.placeholders))
	out = markerPattern.ReplaceAllStringFunc(out, func(m string) string {
		n, err := strconv.Atoi(markerPattern.FindStringSubmatch(m)[1])
		if err != nil || n >= len(p.placeholders) || used[n] {
			stripped = true
			return ""
		}
		used[n] = true
		return p.placeholders[n]
	})
	if stripped {
		out = strings.Join(strings.Fields(out), " ")
	}

	var missing []string
	for i, ok := range used {
		if !ok {
			missing = append(missing, p.placeholders[i])
		}
	}
	if len(missing) > 0 {
		out = strings.TrimRight(out, " ") + " " + strings.Join(missing, " ")
		out = strings.TrimLeft(out, " ")
	}
	return out
}

// RewriteFunc rewrites display text.
type RewriteFunc func(ctx context.Context, text string) (string, error)

// RewriteProtected runs rewrite with placeholders protected. On error or an
// empty answer the original text is returned together with the error.
func RewriteProtected(ctx context.Context, text string, rewrite RewriteFunc) (string, error) {
	p := ProtectPlaceholders(text)
	out, err := rewrite(ctx, p.Text)
	if err != nil {
		return text, err
	}
	if strings.TrimSpace(out) == "" {
		return text, nil
	}
	return p.Restore(out), nil
}
