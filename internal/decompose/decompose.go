package decompose

import (
	"context"
	"regexp"
	"strings"
)

// Draft is a proposed issue produced from a work request.
type Draft struct {
	Title       string
	Description string
	Type        string
	Priority    int
}

// Decomposer breaks a free-form work request into issue drafts.
type Decomposer interface {
	Decompose(ctx context.Context, request string) ([]Draft, error)
}

// Fallback splits a request on bullet or numbered lines, one draft per
// item. A request with no list structure becomes a single draft.
type Fallback struct{}

var bulletRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)

func (Fallback) Decompose(_ context.Context, request string) ([]Draft, error) {
	var drafts []Draft
	for _, line := range strings.Split(request, "\n") {
		m := bulletRe.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[1]) == "" {
			continue
		}
		item := strings.TrimSpace(m[1])
		drafts = append(drafts, Draft{
			Title:       title(item),
			Description: item,
			Type:        inferType(item),
			Priority:    2,
		})
	}
	if len(drafts) == 0 {
		trimmed := strings.TrimSpace(request)
		drafts = append(drafts, Draft{
			Title:       title(trimmed),
			Description: trimmed,
			Type:        inferType(trimmed),
			Priority:    2,
		})
	}
	return drafts, nil
}

func title(text string) string {
	if i := strings.IndexAny(text, "\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	const max = 72
	if len(text) > max {
		cut := strings.LastIndex(text[:max], " ")
		if cut < max/2 {
			cut = max
		}
		text = text[:cut]
	}
	if text == "" {
		return "Work request"
	}
	return text
}

var typeKeywords = []struct {
	keyword string
	typ     string
}{
	{"fix", "bug"},
	{"bug", "bug"},
	{"crash", "bug"},
	{"test", "testing"},
	{"research", "research"},
	{"investigate", "research"},
	{"document", "docs"},
	{"docs", "docs"},
	{"design", "design"},
	{"implement", "task"},
	{"build", "task"},
	{"add", "task"},
	{"refactor", "task"},
}

func inferType(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range typeKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.typ
		}
	}
	return "general"
}
