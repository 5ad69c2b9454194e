package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProductSelectors describes where the fields of a product live inside the
// product container of a product page.
type ProductSelectors struct {
	ProductPage string              `json:"productPage"`
	OldPrice    string              `json:"oldPrice,omitempty"`
	ListPrice   string              `json:"listPrice"`
	Name        string              `json:"name,omitempty"`
	Sku         SkuRule             `json:"sku"`
	Image       string              `json:"image,omitempty"`
	Brand       string              `json:"brand,omitempty"`
	Description string              `json:"description,omitempty"`
	InStock     string              `json:"inStock,omitempty"`
	InStockText string              `json:"inStockText,omitempty"`
	Clickers    []string            `json:"clickers,omitempty"`
	Attributes  *AttributeSelectors `json:"attributes,omitempty"`
	Categories  *CategorySelectors  `json:"categories,omitempty"`
}

type SkuSource string

const (
	SkuFromDOM SkuSource = "dom"
	SkuFromURL SkuSource = "url"
)

// LastToken picks the last token of a URL split. Negative indexes count from
// the end.
const LastToken = -1

// SkuRule is either a DOM selector or a URL token rule. In JSON a plain
// string is a selector, an object with source "url" is a token rule.
type SkuRule struct {
	Source    SkuSource
	Selector  string
	Delimiter string
	Index     int
}

func (r *SkuRule) UnmarshalJSON(data []byte) error {
	var selector string
	if err := json.Unmarshal(data, &selector); err == nil {
		*r = SkuRule{Source: SkuFromDOM, Selector: selector}
		return nil
	}
	var raw struct {
		Source    string              `json:"source"`
		Selector  string              `json:"selector"`
		Delimiter string              `json:"delimiter"`
		Index     jsoniter.RawMessage `json:"index"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sku rule: %w", err)
	}
	switch SkuSource(raw.Source) {
	case SkuFromDOM, "":
		*r = SkuRule{Source: SkuFromDOM, Selector: raw.Selector}
		return nil
	case SkuFromURL:
		index, err := parseTokenIndex(raw.Index)
		if err != nil {
			return err
		}
		*r = SkuRule{Source: SkuFromURL, Delimiter: raw.Delimiter, Index: index}
		return nil
	default:
		return fmt.Errorf("sku rule: unknown source %q", raw.Source)
	}
}

func (r SkuRule) MarshalJSON() ([]byte, error) {
	if r.Source == SkuFromURL {
		return json.Marshal(struct {
			Source    SkuSource `json:"source"`
			Delimiter string    `json:"delimiter"`
			Index     int       `json:"index"`
		}{r.Source, r.Delimiter, r.Index})
	}
	return json.Marshal(r.Selector)
}

func parseTokenIndex(raw jsoniter.RawMessage) (int, error) {
	if len(raw) == 0 {
		return LastToken, nil
	}
	var word string
	if err := json.Unmarshal(raw, &word); err == nil {
		switch strings.ToLower(word) {
		case "first":
			return 0, nil
		case "last":
			return LastToken, nil
		}
		if n, err := strconv.Atoi(word); err == nil {
			return n, nil
		}
		return 0, fmt.Errorf("sku rule: invalid index %q", word)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("sku rule: invalid index %s", string(raw))
	}
	return n, nil
}

func (r SkuRule) validate() error {
	switch r.Source {
	case SkuFromDOM:
		if r.Selector == "" {
			return errors.New("sku selector is empty")
		}
	case SkuFromURL:
		if r.Delimiter == "" {
			return errors.New("sku url delimiter is empty")
		}
	default:
		return fmt.Errorf("unknown sku source %q", r.Source)
	}
	return nil
}

// AttributeSelectors locate attribute tables. Without Group the whole table
// is one ungrouped group.
type AttributeSelectors struct {
	Table            string `json:"attributesTable"`
	Group            string `json:"attributeGroup,omitempty"`
	GroupName        string `json:"attributeGroupName,omitempty"`
	DefaultGroupName string `json:"defaultGroupName,omitempty"`
	Attribute        string `json:"attribute"`
	Label            string `json:"attributeLabel"`
	Value            string `json:"attributeValue"`
}

func (a *AttributeSelectors) validate() error {
	if a.Table == "" || a.Attribute == "" || a.Label == "" || a.Value == "" {
		return errors.New("attribute selectors need table, attribute, label and value")
	}
	return nil
}

type CategorySelectors struct {
	Container string `json:"container"`
	Splitter  string `json:"splitter,omitempty"`
	Item      string `json:"item,omitempty"`
}

type SanitizerRule struct {
	Match   string `json:"value"`
	Replace string `json:"replace"`
}

func (s SanitizerRule) Compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(s.Match)
	if err != nil {
		return nil, fmt.Errorf("sanitizer %q: %w", s.Match, err)
	}
	return re, nil
}

type ProductSanitizers struct {
	Sku []SanitizerRule `json:"sku,omitempty"`
}

// UnmarshalJSON accepts sku as a single rule object or a list of rules.
func (p *ProductSanitizers) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sku jsoniter.RawMessage `json:"sku"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sanitizers: %w", err)
	}
	*p = ProductSanitizers{}
	sku := strings.TrimSpace(string(raw.Sku))
	switch {
	case sku == "" || sku == "null":
		return nil
	case strings.HasPrefix(sku, "{"):
		var rule SanitizerRule
		if err := json.Unmarshal(raw.Sku, &rule); err != nil {
			return fmt.Errorf("sku sanitizer: %w", err)
		}
		p.Sku = []SanitizerRule{rule}
	default:
		if err := json.Unmarshal(raw.Sku, &p.Sku); err != nil {
			return fmt.Errorf("sku sanitizers: %w", err)
		}
	}
	return nil
}
