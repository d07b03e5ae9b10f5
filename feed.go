package main

// Parse an RSS or Atom feed into manifest entries, for sources that publish a feed instead of article.json.

import (
	"bytes"
	"net/url"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/mmcdole/gofeed"
)

func parseFeedManifest(data []byte, defaultReference string) ([]ManifestEntry, error) {
	fp := gofeed.NewParser()
	feed, err := fp.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "parse feed manifest")
	}

	entries := make([]ManifestEntry, 0, len(feed.Items))
	for index, item := range feed.Items {
		date := item.PublishedParsed
		if date == nil {
			date = item.UpdatedParsed
		}
		if date == nil {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "parse feed item[%d]: missing date", index)
		}
		filename := feedItemFilename(item.Link)
		if filename == "" {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "parse feed item[%d]: missing link", index)
		}

		var intro *string
		if description := strings.TrimSpace(item.Description); description != "" {
			intro = &description
		}
		entries = append(entries, ManifestEntry{
			Name:   item.Title,
			Date:   *date,
			URL:    filename,
			Intro:  intro,
			Commit: defaultReference,
		})
	}
	return entries, nil
}

// Feed links may be absolute; only the path names the file in the source repository.
func feedItemFilename(link string) string {
	link = strings.TrimSpace(link)
	if parsed, err := url.Parse(link); err == nil && parsed.IsAbs() {
		link = parsed.Path
	}
	return strings.TrimPrefix(link, "/")
}
