// Package crawl provides the built-in crawl collaborators: an RSS/Atom
// crawler backed by gofeed and a web crawler backed by colly, goquery, and
// go-readability, with optional headless rendering through chromedp.
//
// Both crawlers fetch through Pages, which applies per-host rate limits and
// promotes client-rendered pages to the headless fetcher when one is
// configured. Errors are classified as transient or permanent unit errors so
// the stage runner knows what to retry.
package crawl
