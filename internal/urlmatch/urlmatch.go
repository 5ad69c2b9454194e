// Package urlmatch holds the URL rules shared by the crawl frontier and the
// resource interceptor.
package urlmatch

import (
	"net/url"
	"path"
	"slices"
	"strings"
)

// NavigationExtensions are never worth a page load.
var NavigationExtensions = []string{
	".pdf", ".png", ".jpg", ".jpeg", ".svg", ".webp", ".mp3", ".mp4", ".zip", ".xlsx", ".xls",
}

// AssetExtensions are never fetched as sub-resources of a page.
var AssetExtensions = append(slices.Clone(NavigationExtensions),
	".css", ".gif", ".webm", ".woff", ".woff2", ".ttf", ".otf",
)

// TrackerPatterns match third-party tracking, ads and video hosts.
var TrackerPatterns = []string{
	"google-analytics.com",
	"google.com",
	"google.is",
	"googleads.g.doubleclick.net",
	"googletagmanager.com",
	"adsbygoogle.js",
	"hubspot.com",
	"hubapi.com",
	"hsappstatic.net",
	"youtube.com",
	"youtu.be",
	"youtube-nocookie.com",
	"addthis.com",
}

// HostMatches reports whether host is the seed host, tolerating a "www."
// prefix on either side. Other subdomains do not match.
func HostMatches(seedHost, host string) bool {
	seedHost = strings.ToLower(seedHost)
	host = strings.ToLower(host)
	if host == seedHost {
		return true
	}
	return strings.TrimPrefix(host, "www.") == strings.TrimPrefix(seedHost, "www.") &&
		(strings.HasPrefix(host, "www.") != strings.HasPrefix(seedHost, "www."))
}

// HasExtension reports whether the path of u ends in one of exts.
func HasExtension(u *url.URL, exts []string) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	return slices.Contains(exts, ext)
}

func IsTracker(rawURL string) bool {
	for _, pattern := range TrackerPatterns {
		if strings.Contains(rawURL, pattern) {
			return true
		}
	}
	return false
}
