package extract

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/PuerkitoBio/goquery"
)

const DefaultGroupName = "Óflokkað"

var errNoAttributeTable = errors.New("no attribute table found")

func (e *Extractor) attributes(root *goquery.Selection, log *slog.Logger) ([]model.AttributeGroup, error) {
	sel := e.selectors.Attributes
	if sel == nil {
		return nil, nil
	}
	tables := root.Find(sel.Table)
	if tables.Length() == 0 {
		return nil, errNoAttributeTable
	}

	defaultName := sel.DefaultGroupName
	if defaultName == "" {
		defaultName = DefaultGroupName
	}

	var groups []model.AttributeGroup
	tables.Each(func(_ int, table *goquery.Selection) {
		groupNodes := table
		if sel.Group != "" {
			groupNodes = table.Find(sel.Group)
		}
		groupNodes.Each(func(_ int, node *goquery.Selection) {
			group := model.AttributeGroup{Name: defaultName}
			if sel.GroupName != "" {
				if name := strings.TrimSpace(node.Find(sel.GroupName).First().Text()); name != "" {
					group.Name = name
				}
			}
			node.Find(sel.Attribute).Each(func(_ int, attr *goquery.Selection) {
				label := attr.Find(sel.Label)
				value := attr.Find(sel.Value)
				if label.Length() == 0 || value.Length() == 0 {
					return
				}
				name := strings.TrimSpace(label.First().Text())
				val := strings.TrimSpace(value.First().Text())
				if name == "" || val == "" {
					log.Debug("skipping empty attribute.", slog.String("group", group.Name),
						slog.String("label", name))
					return
				}
				group.Attributes = append(group.Attributes, model.Attribute{Name: name, Value: val})
			})
			groups = append(groups, group)
		})
	})
	return groups, nil
}
