package extract

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/PuerkitoBio/goquery"
)

const minSkuLength = 2

func (e *Extractor) sku(root *goquery.Selection, pageURL string) (string, error) {
	rule := e.selectors.Sku
	var sku string
	switch rule.Source {
	case model.SkuFromURL:
		sku = skuFromURL(pageURL, rule.Delimiter, rule.Index)
	default:
		v, err := text(root, rule.Selector)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidSku, err)
		}
		for _, s := range e.skuSanitizers {
			v = s.re.ReplaceAllString(v, s.replace)
		}
		sku = strings.TrimSpace(v)
	}
	if utf8.RuneCountInString(sku) < minSkuLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidSku, sku)
	}
	return sku, nil
}

// skuFromURL splits the URL without query and fragment on delimiter and
// picks a token. Empty tokens (e.g. from a trailing slash) are ignored.
func skuFromURL(pageURL, delimiter string, index int) string {
	raw := pageURL
	if u, err := url.Parse(pageURL); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		raw = u.String()
	}
	var tokens []string
	for _, t := range strings.Split(raw, delimiter) {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	if index < 0 {
		index = len(tokens) + index
	}
	if index < 0 || index >= len(tokens) {
		return ""
	}
	return tokens[index]
}

// prices returns the list and sale price. A single old-price match that
// parses above zero becomes the list price and the list-price selector value
// becomes the sale price.
func (e *Extractor) prices(root *goquery.Selection) (int64, int64, error) {
	price, err := e.price(root, e.selectors.ListPrice)
	if err != nil {
		return 0, 0, err
	}
	if price <= 0 {
		return 0, 0, ErrPriceNotFound
	}
	if e.selectors.OldPrice != "" && root.Find(e.selectors.OldPrice).Length() == 1 {
		if old, err := e.price(root, e.selectors.OldPrice); err == nil && old > 0 {
			return old, price, nil
		}
	}
	return price, price, nil
}

func (e *Extractor) price(root *goquery.Selection, selector string) (int64, error) {
	v, err := text(root, selector)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPriceNotFound, err)
	}
	return ParsePrice(v), nil
}

// ParsePrice drops every non-digit and parses the rest. Unparseable input
// gives 0.
func ParsePrice(s string) int64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (e *Extractor) inStock(root *goquery.Selection) (*bool, error) {
	if e.selectors.InStock == "" {
		return nil, nil
	}
	want := e.selectors.InStockText
	count := root.Find(e.selectors.InStock).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return want == "" || strings.Contains(s.Text(), want)
	}).Length()
	inStock := count > 0
	return &inStock, nil
}

func (e *Extractor) image(root *goquery.Selection, pageURL string) (*string, error) {
	if e.selectors.Image == "" {
		return nil, nil
	}
	sel := root.Find(e.selectors.Image)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", errNoMatch, e.selectors.Image)
	}
	src, ok := sel.First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return nil, nil
	}
	src = strings.TrimSpace(src)
	if base, err := url.Parse(pageURL); err == nil {
		if ref, err := url.Parse(src); err == nil {
			src = base.ResolveReference(ref).String()
		}
	}
	return &src, nil
}

// blockElements get a trailing space so their text does not run together
// once the tags are stripped.
const blockElements = "p,br,li,div,tr,td,th,h1,h2,h3,h4,h5,h6"

func (e *Extractor) description(root *goquery.Selection) (*string, error) {
	if e.selectors.Description == "" {
		return nil, nil
	}
	sel := root.Find(e.selectors.Description)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", errNoMatch, e.selectors.Description)
	}
	desc := sel.First().Clone()
	desc.Find(blockElements).AfterHtml(" ")
	inner, err := desc.Html()
	if err != nil {
		return nil, err
	}
	plain := html.UnescapeString(e.policy.Sanitize(inner))
	plain = strings.Join(strings.Fields(plain), " ")
	return &plain, nil
}
