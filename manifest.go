package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

const (
	defaultArticleReference = "main"
	publishDateLayout       = "2006/01/02"

	manifestFormatJSON = "json"
	manifestFormatFeed = "feed"
)

// ManifestEntry is one article record as listed by the manifest, before formatting.
type ManifestEntry struct {
	Name   string
	Date   time.Time
	URL    string
	Intro  *string
	Commit string
}

// ArticleSummary is one row of the rendered index.
type ArticleSummary struct {
	Name        string
	PublishDate string
	URL         string
	Intro       *string
	Reference   string
}

// RenderedList is the article index, newest first.
type RenderedList struct {
	Articles    []ArticleSummary
	GeneratedAt time.Time
}

// clone copies the articles so a caller can modify them without touching the cached list.
func (l RenderedList) clone() RenderedList {
	articles := make([]ArticleSummary, len(l.Articles))
	for i, article := range l.Articles {
		if article.Intro != nil {
			intro := *article.Intro
			article.Intro = &intro
		}
		articles[i] = article
	}
	return RenderedList{Articles: articles, GeneratedAt: l.GeneratedAt}
}

// ManifestSource returns the current manifest.
type ManifestSource interface {
	Manifest(ctx context.Context) ([]ManifestEntry, error)
}

type getter interface {
	Get(ctx context.Context, target string) ([]byte, error)
}

type remoteManifest struct {
	client           getter
	url              string
	format           string
	defaultReference string
}

func NewRemoteManifest(client getter, url, format, defaultReference string) ManifestSource {
	if format == "" {
		format = manifestFormatJSON
	}
	if defaultReference == "" {
		defaultReference = defaultArticleReference
	}
	return &remoteManifest{client: client, url: url, format: format, defaultReference: defaultReference}
}

func (m *remoteManifest) Manifest(ctx context.Context) ([]ManifestEntry, error) {
	body, err := m.client.Get(ctx, m.url)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	switch m.format {
	case manifestFormatFeed:
		return parseFeedManifest(body, m.defaultReference)
	default:
		return parseJSONManifest(body, m.defaultReference)
	}
}

type manifestRecord struct {
	Name   string  `json:"name"`
	Date   string  `json:"date"`
	URL    string  `json:"url"`
	Intro  *string `json:"intro"`
	Commit string  `json:"commit"`
}

func parseJSONManifest(data []byte, defaultReference string) ([]ManifestEntry, error) {
	var records []manifestRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "parse manifest")
	}

	entries := make([]ManifestEntry, 0, len(records))
	for index, record := range records {
		date, err := parseManifestDate(record.Date)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "parse manifest[%d].date", index)
		}
		if strings.TrimSpace(record.URL) == "" {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "parse manifest[%d].url: required", index)
		}
		commit := record.Commit
		if commit == "" {
			commit = defaultReference
		}
		entries = append(entries, ManifestEntry{
			Name:   record.Name,
			Date:   date,
			URL:    record.URL,
			Intro:  record.Intro,
			Commit: commit,
		})
	}
	return entries, nil
}

var manifestDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseManifestDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range manifestDateLayouts {
		if date, err := time.Parse(layout, raw); err == nil {
			return date, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", raw)
}

// buildList orders entries newest first and formats their dates. Entries with the same
// timestamp keep their manifest order.
func buildList(entries []ManifestEntry, generatedAt time.Time) RenderedList {
	sorted := make([]ManifestEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.After(sorted[j].Date)
	})

	articles := make([]ArticleSummary, 0, len(sorted))
	for _, entry := range sorted {
		articles = append(articles, ArticleSummary{
			Name:        entry.Name,
			PublishDate: entry.Date.Format(publishDateLayout),
			URL:         entry.URL,
			Intro:       entry.Intro,
			Reference:   entry.Commit,
		})
	}
	return RenderedList{Articles: articles, GeneratedAt: generatedAt}
}
