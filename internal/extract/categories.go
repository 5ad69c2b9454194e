package extract

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// CategoryBanList holds breadcrumb entries that are navigation, not
// categories. Compared case-insensitively.
var CategoryBanList = []string{
	"forsíða",
	"heim",
	"vörur",
	"allar vörur",
	"til baka",
	"leitarniðurstöður",
	"home",
	"products",
	"all products",
	"back",
	"search results",
}

func (e *Extractor) categories(root *goquery.Selection, title *string) ([]string, error) {
	sel := e.selectors.Categories
	if sel == nil || sel.Container == "" {
		return nil, nil
	}
	container := root.Find(sel.Container)
	if container.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", errNoMatch, sel.Container)
	}
	container = container.First()

	switch {
	case sel.Item != "":
		var out []string
		container.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
			name := strings.TrimSpace(item.Text())
			if e.keepCategory(name, title) && !slices.Contains(out, name) {
				out = append(out, name)
			}
		})
		return out, nil
	case sel.Splitter != "":
		var out []string
		for _, part := range strings.Split(container.Text(), sel.Splitter) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		whole := strings.TrimSpace(container.Text())
		if whole == "" {
			return nil, nil
		}
		return []string{whole}, nil
	}
}

func (e *Extractor) keepCategory(name string, title *string) bool {
	if utf8.RuneCountInString(name) < 2 {
		return false
	}
	lower := strings.ToLower(name)
	for _, banned := range e.categoryBanList {
		if lower == banned {
			return false
		}
	}
	return title == nil || name != *title
}
