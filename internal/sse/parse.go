package sse

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

type feed struct {
	PageHelp *struct {
		PageCount *int              `json:"pageCount"`
		Data      []json.RawMessage `json:"data"`
	} `json:"pageHelp"`
}

type feedItem struct {
	URL          *string `json:"URL"`
	Title        string  `json:"TITLE"`
	Date         string  `json:"SSEDATE"`
	BulletinType *string `json:"BULLETIN_TYPE_NAME"`
}

// StripJSONP removes the callback wrapper around a JSONP body. A trailing ";" is allowed;
// a body whose wrapper is never closed is a parse failure.
func StripJSONP(body []byte) ([]byte, error) {
	const op = "strip jsonp"
	text := strings.TrimSpace(string(body))
	_, inner, found := strings.Cut(text, "(")
	if !found {
		return nil, crawler.Errorf(crawler.KindParseFailure, op, "no callback wrapper in %d byte body", len(body))
	}
	inner = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(inner), ";"))
	if !strings.HasSuffix(inner, ")") {
		return nil, crawler.Errorf(crawler.KindParseFailure, op, "callback wrapper is not closed")
	}
	return []byte(strings.TrimRight(inner, ")")), nil
}

// Parse decodes one JSONP page body. PageNumber is left for the caller to set.
func (c *Client) Parse(body []byte) (crawler.PageResult, error) {
	payload, err := StripJSONP(body)
	if err != nil {
		return crawler.PageResult{}, err
	}
	var f feed
	if err := json.Unmarshal(payload, &f); err != nil {
		return crawler.PageResult{}, crawler.NewError(crawler.KindParseFailure, "decode discovery json", err)
	}
	if f.PageHelp == nil || f.PageHelp.PageCount == nil {
		return crawler.PageResult{}, crawler.Errorf(crawler.KindSchemaChanged, "decode discovery json", "pageHelp.pageCount missing")
	}

	result := crawler.PageResult{TotalPages: *f.PageHelp.PageCount}
	for _, rawGroup := range f.PageHelp.Data {
		var group []json.RawMessage
		if err := json.Unmarshal(rawGroup, &group); err != nil {
			continue
		}
		for _, rawItem := range group {
			var item feedItem
			if err := json.Unmarshal(rawItem, &item); err != nil {
				continue
			}
			if item.URL == nil || *item.URL == "" {
				continue
			}
			rec, ok := c.record(item)
			if !ok {
				continue
			}
			result.Records = append(result.Records, rec)
		}
	}
	return result, nil
}

func (c *Client) record(item feedItem) (crawler.Record, bool) {
	ref, err := url.Parse(strings.TrimSpace(*item.URL))
	if err != nil {
		return crawler.Record{}, false
	}
	bulletinType := crawler.DefaultBulletinType
	if item.BulletinType != nil {
		bulletinType = *item.BulletinType
	}
	return crawler.Record{
		DocumentURL:  c.base.ResolveReference(ref).String(),
		Title:        item.Title,
		Date:         item.Date,
		BulletinType: bulletinType,
	}, true
}
