package scraper

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rental_hunter/config"
	"rental_hunter/identity"
	"rental_hunter/models"
)

var (
	cityNoiseRegex = regexp.MustCompile(`[()]|\b\d{5}\b`)
	slugRegex      = regexp.MustCompile(`[^a-z0-9]+`)
)

// htmlAdapter scrapes server-rendered result pages. Sites differ in their
// search URLs and card selectors; the card walk is shared.
type htmlAdapter struct {
	cfg      *config.SiteConfig
	fetcher  Fetcher
	opts     Options
	defaults map[string]string
	buildURL func(criteria config.SearchCriteria, pageNum int) string
}

func (a *htmlAdapter) ID() string {
	return a.cfg.ID
}

func (a *htmlAdapter) FetchListings(ctx context.Context, criteria config.SearchCriteria) iter.Seq2[*models.Listing, error] {
	return paginate(ctx, a.cfg.ID, a.opts, criteria, a.fetchPage)
}

func (a *htmlAdapter) fetchPage(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error) {
	pageURL := a.buildURL(criteria, pageNum)
	body, err := a.fetcher.Fetch(ctx, pageURL, nil)
	if err != nil {
		return page{}, err
	}
	listings, err := a.parsePage(body)
	if err != nil {
		return page{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return page{listings: listings}, nil
}

func (a *htmlAdapter) sel(key string) string {
	return a.cfg.Selector(key, a.defaults[key])
}

func (a *htmlAdapter) parsePage(body []byte) ([]*models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var listings []*models.Listing
	doc.Find(a.sel("card")).Each(func(i int, card *goquery.Selection) {
		if l := a.parseCard(card); l != nil {
			listings = append(listings, l)
		}
	})
	return listings, nil
}

func (a *htmlAdapter) parseCard(card *goquery.Selection) *models.Listing {
	text := func(key string) string {
		sel := a.sel(key)
		if sel == "" {
			return ""
		}
		return cleanText(card.Find(sel).First().Text())
	}

	title := text("title")
	href := ""
	if sel := a.sel("link"); sel != "" {
		href, _ = card.Find(sel).First().Attr("href")
	}
	if href == "" {
		href, _ = card.Attr("href")
	}
	link := a.resolve(href)

	id := ""
	for _, attr := range []string{"data-listing-id", "data-id", "id"} {
		if v, ok := card.Attr(attr); ok && extractListingID(v) != "" {
			id = extractListingID(v)
			break
		}
	}
	if id == "" {
		id = extractListingID(link)
	}

	roomsText, surfaceText := text("rooms"), text("surface")
	if sel := a.sel("tags"); sel != "" {
		card.Find(sel).Each(func(i int, tag *goquery.Selection) {
			t := cleanText(tag.Text())
			folded := identity.Fold(t)
			switch {
			case roomsText == "" && (strings.Contains(folded, "piece") || strings.Contains(folded, "studio")):
				roomsText = t
			case surfaceText == "" && (strings.Contains(t, "m²") || strings.Contains(folded, "m2")):
				surfaceText = t
			}
		})
	}

	cityText := text("city")
	address := text("address")
	if address == "" {
		address = cityText
	}
	description := text("description")

	l := &models.Listing{
		SourceListingID: id,
		URL:             link,
		Title:           title,
		Address:         address,
		City:            cleanText(cityNoiseRegex.ReplaceAllString(cityText, " ")),
		PostalCode:      extractPostalCode(cityText, address, title),
		Price:           ParsePrice(text("price")),
		Surface:         ParseSurface(surfaceText),
		Rooms:           ParseRooms(roomsText),
		PropertyType:    InferPropertyType(text("type"), title),
		Description:     description,
		Features:        ExtractFeatures(title, description),
	}
	if l.Rooms == nil {
		l.Rooms = ParseRooms(title)
	}
	return l
}

func (a *htmlAdapter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func (a *htmlAdapter) endpoint(def string) string {
	if ep := a.cfg.Endpoints["search"]; ep != "" {
		return ep
	}
	return strings.TrimRight(a.cfg.BaseURL, "/") + def
}

func slugify(s string) string {
	return strings.Trim(slugRegex.ReplaceAllString(identity.Fold(s), "-"), "-")
}
