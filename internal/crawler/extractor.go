package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/pkg/errors"

	"github.com/PuerkitoBio/goquery"
)

// Plausible ranges for numeric fields
const (
	MinModelYear  = 1980
	MaxOdometerKm = 1_000_000
)

var prefectureRe = regexp.MustCompile(`(北海道|東京都|大阪府|京都府|\p{Han}{2,3}県)`)

// ExtractContext carries what is already known about a listing before its page is parsed
type ExtractContext struct {
	SourceID     string
	DetailURL    string
	Segment      string
	Manufacturer string
	Model        string
	StubTitle    string
	Now          time.Time
}

// Extractor turns search and detail pages into stubs and records using a site rule set
type Extractor struct {
	rules SiteRules
}

// NewExtractor creates an extractor for one site
func NewExtractor(rules SiteRules) *Extractor {
	return &Extractor{rules: rules}
}

// Rules returns the site rule set
func (e *Extractor) Rules() SiteRules {
	return e.rules
}

// ExtractStubs lists the listings linked from one search results page
func (e *Extractor) ExtractStubs(body []byte, pageURL string) ([]ListingStub, error) {
	doc, err := createDocument(body)
	if err != nil {
		return nil, errors.NewStructuralExtraction(pageURL, "search page", err)
	}

	base, _ := url.Parse(pageURL)
	var stubs []ListingStub
	doc.Find(e.rules.Selectors.StubList).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find(e.rules.Selectors.StubLink).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		link := resolveURL(base, strings.TrimSpace(href))

		id, err := e.rules.IDExtractor(link)
		if err != nil || id == "" {
			return
		}

		title, _ := s.Find(e.rules.Selectors.StubTitle).First().Attr("alt")
		stubs = append(stubs, ListingStub{
			SourceID:  id,
			DetailURL: link,
			Title:     helpers.NormalizeText(title),
		})
	})

	return stubs, nil
}

// Extract parses a detail page into a record.
// Missing or implausible values fall back to defaults listed in Defaulted;
// an error is returned only when the body cannot be parsed at all.
func (e *Extractor) Extract(body []byte, ectx ExtractContext) (*ListingRecord, error) {
	doc, err := createDocument(body)
	if err != nil {
		return nil, errors.NewStructuralExtraction(ectx.SourceID, "detail page", err)
	}
	if ectx.Now.IsZero() {
		ectx.Now = time.Now()
	}

	root := doc.Selection
	f := e.rules.Fields
	rec := &ListingRecord{
		SourceID:          ectx.SourceID,
		SourceSite:        e.rules.Site,
		DetailURL:         ectx.DetailURL,
		Segment:           ectx.Segment,
		Manufacturer:      ectx.Manufacturer,
		Model:             ectx.Model,
		DescriptionStatus: DescriptionPending,
	}

	rec.Title = applyHandlers(root, f.Title, nonEmpty)
	if rec.Title == "" {
		rec.Title = ectx.StubTitle
	}
	if rec.Title == "" {
		rec.Title = strings.TrimSpace(ectx.Manufacturer + " " + ectx.Model)
		if rec.Title == "" {
			rec.Title = ectx.Segment
		}
		rec.Defaulted = append(rec.Defaulted, FieldTitle)
	}

	var price int64
	if applyHandlers(root, f.Price, func(v string) bool {
		p, ok := helpers.ParseYen(v)
		if ok && p > 0 {
			price = p
			return true
		}
		return false
	}) == "" {
		rec.Defaulted = append(rec.Defaulted, FieldPrice)
	}
	rec.PriceMinor = price

	maxYear := ectx.Now.Year() + 1
	rec.ModelYear = ectx.Now.Year()
	if applyHandlers(root, f.ModelYear, func(v string) bool {
		y, ok := helpers.ParseYear(v)
		if !ok {
			return false
		}
		if y < MinModelYear || y > maxYear {
			rec.Rejected = append(rec.Rejected, errors.NewValidation(ectx.SourceID,
				fmt.Sprintf("model year %d outside [%d, %d]", y, MinModelYear, maxYear)).Error())
			return false
		}
		rec.ModelYear = y
		return true
	}) == "" {
		rec.Defaulted = append(rec.Defaulted, FieldModelYear)
	}

	if applyHandlers(root, f.Odometer, func(v string) bool {
		km, ok := helpers.ParseKilometers(v)
		if !ok {
			return false
		}
		if km < 0 || km > MaxOdometerKm {
			rec.Rejected = append(rec.Rejected, errors.NewValidation(ectx.SourceID,
				fmt.Sprintf("odometer %d km outside [0, %d]", km, MaxOdometerKm)).Error())
			return false
		}
		rec.OdometerKm = km
		return true
	}) == "" {
		rec.Defaulted = append(rec.Defaulted, FieldOdometer)
	}

	rec.LocationText = applyHandlers(root, f.Location, nonEmpty)
	if rec.LocationText == "" {
		rec.LocationText = DefaultLocation
		rec.Defaulted = append(rec.Defaulted, FieldLocation)
	}
	rec.Prefecture = prefectureRe.FindString(rec.LocationText)

	rec.DealerName = applyHandlers(root, f.DealerName, nonEmpty)
	rec.Color = applyHandlers(root, f.Color, nonEmpty)
	rec.Transmission = applyHandlers(root, f.Transmission, nonEmpty)
	rec.FuelType = applyHandlers(root, f.FuelType, nonEmpty)
	rec.DriveType = applyHandlers(root, f.DriveType, nonEmpty)
	rec.Displacement = applyHandlers(root, f.Displacement, nonEmpty)
	rec.HasRepairHistory = parsePresence(applyHandlers(root, f.RepairHistory, nonEmpty))
	rec.HasWarranty = parsePresence(applyHandlers(root, f.Warranty, nonEmpty))

	return rec, nil
}

// applyHandlers returns the first non-empty handler result that accept approves
func applyHandlers(s *goquery.Selection, handlers []ElementHandler, accept func(string) bool) string {
	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		if result := handler(s); result != "" && accept(result) {
			return result
		}
	}
	return ""
}

func nonEmpty(v string) bool {
	return v != ""
}

// parsePresence reads ありなし style flags; unknown text yields nil
func parsePresence(v string) *bool {
	if v == "" {
		return nil
	}
	var b bool
	switch {
	case strings.Contains(v, "なし"), strings.Contains(v, "無"):
		b = false
	case strings.Contains(v, "あり"), strings.Contains(v, "有"), strings.Contains(v, "付"):
		b = true
	default:
		return nil
	}
	return &b
}

// textHandler reads the text of the first element matching selector
func textHandler(selector string) ElementHandler {
	return func(s *goquery.Selection) string {
		return helpers.NormalizeText(s.Find(selector).First().Text())
	}
}

// metaHandler reads a <meta property|name=...> tag
func metaHandler(property string) ElementHandler {
	query := fmt.Sprintf(`meta[property="%s"], meta[name="%s"]`, property, property)
	return func(s *goquery.Selection) string {
		content, _ := s.Find(query).First().Attr("content")
		return helpers.NormalizeText(content)
	}
}

// joinHandler concatenates the texts of selectors and appends suffix.
// The first selector must match or nothing is returned.
func joinHandler(suffix string, selectors ...string) ElementHandler {
	return func(s *goquery.Selection) string {
		var b strings.Builder
		for i, sel := range selectors {
			text := helpers.NormalizeText(s.Find(sel).First().Text())
			if i == 0 && text == "" {
				return ""
			}
			b.WriteString(text)
		}
		return b.String() + suffix
	}
}

// definitionHandler looks up a dt label inside container and returns its dd
func definitionHandler(container string, labels ...string) ElementHandler {
	return func(s *goquery.Selection) string {
		var value string
		s.Find(container + " dt").EachWithBreak(func(_ int, dt *goquery.Selection) bool {
			if !matchesLabel(dt.Text(), labels) {
				return true
			}
			value = helpers.NormalizeText(dt.NextFiltered("dd").Text())
			return value == ""
		})
		return value
	}
}

// tableHandler looks up a th label in rows and returns the adjacent td
func tableHandler(rows string, labels ...string) ElementHandler {
	return func(s *goquery.Selection) string {
		var value string
		s.Find(rows).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			row.Find("th").EachWithBreak(func(_ int, th *goquery.Selection) bool {
				if !matchesLabel(th.Text(), labels) {
					return true
				}
				value = helpers.NormalizeText(th.NextFiltered("td").Text())
				return value == ""
			})
			return value == ""
		})
		return value
	}
}

// titlePatternHandler applies re to the document title, then the first h1
func titlePatternHandler(re *regexp.Regexp) ElementHandler {
	return func(s *goquery.Selection) string {
		for _, sel := range []string{"title", "h1"} {
			text := helpers.NormalizeText(s.Find(sel).First().Text())
			if m := re.FindStringSubmatch(text); len(m) > 1 {
				return strings.TrimSpace(m[1])
			}
		}
		return ""
	}
}

func matchesLabel(text string, labels []string) bool {
	text = helpers.NormalizeText(text)
	for _, label := range labels {
		if strings.Contains(text, label) {
			return true
		}
	}
	return false
}

// createDocument creates a goquery document from a page body
func createDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTML parse error: %w", err)
	}
	return doc, nil
}

// resolveURL makes href absolute against the page it was found on
func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
