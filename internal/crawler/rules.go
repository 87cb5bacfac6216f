package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/helpers"
)

// Selectors contains CSS selectors for search result pages
type Selectors struct {
	StubList  string
	StubLink  string
	StubTitle string
}

// GallerySelectors locate the controls of a client-rendered photo gallery
type GallerySelectors struct {
	Expand         string
	MainImage      string
	FirstThumbnail string
	Next           string
	// Only URLs matching this pattern are collected as high-resolution photos
	ImagePattern *regexp.Regexp
}

// FieldRules maps each listing field to its ordered extraction strategies
type FieldRules struct {
	Title         []ElementHandler
	Price         []ElementHandler
	ModelYear     []ElementHandler
	Odometer      []ElementHandler
	Location      []ElementHandler
	DealerName    []ElementHandler
	Color         []ElementHandler
	Transmission  []ElementHandler
	FuelType      []ElementHandler
	DriveType     []ElementHandler
	Displacement  []ElementHandler
	RepairHistory []ElementHandler
	Warranty      []ElementHandler
}

// SiteRules is the data-driven rule set for one marketplace
type SiteRules struct {
	Site        string
	Selectors   Selectors
	IDExtractor IDExtractorFunc
	Fields      FieldRules
	Gallery     GallerySelectors
}

// RulesFor returns the rule set registered for site
func RulesFor(site string) (SiteRules, error) {
	switch site {
	case config.SiteCarSensor, "":
		return carSensorRules(), nil
	default:
		return SiteRules{}, fmt.Errorf("no extraction rules for site %q", site)
	}
}

var (
	carSensorIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/([A-Z]{2}[0-9]+)/index\.html`),
		regexp.MustCompile(`/detail/([A-Z0-9]+)/`),
	}
	carSensorTitleSuffix = regexp.MustCompile(`^(.+?)\s*[|｜]`)
)

// carSensorIDExtractor takes the listing code from a detail link such as
// https://www.carsensor.net/usedcar/detail/AU6058837925/index.html
func carSensorIDExtractor(link string) (string, error) {
	for _, re := range carSensorIDPatterns {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1], nil
		}
	}

	// Fall back to the last directory of the path
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	dir := strings.Trim(path.Dir(u.Path), "/")
	parts := strings.Split(dir, "/")
	id, err := helpers.GetSplitPart(dir, "/", len(parts)-1)
	if err != nil || id == "" || id == "." {
		return "", fmt.Errorf("no listing id in %q", link)
	}
	return id, nil
}

func carSensorRules() SiteRules {
	const (
		specBox   = ".specList__detailBox"
		specTable = ".detailTableMod tr, table.defaultTable__table tr"
	)

	return SiteRules{
		Site: config.SiteCarSensor,
		Selectors: Selectors{
			StubList:  "div.cassetteMain",
			StubLink:  ".cassetteMain__mainImg a, h3.cassetteMain__title a",
			StubTitle: ".cassetteMain__mainImg img",
		},
		IDExtractor: carSensorIDExtractor,
		Fields: FieldRules{
			Title: []ElementHandler{
				textHandler("h1.title1, h1.detailTitle"),
				metaHandler("og:title"),
				titlePatternHandler(carSensorTitleSuffix),
			},
			Price: []ElementHandler{
				joinHandler("万円", ".totalPrice__mainPriceNum", ".totalPrice__subPriceNum"),
				tableHandler(specTable, "支払総額"),
				metaHandler("product:price:amount"),
				titlePatternHandler(regexp.MustCompile(`([0-9][0-9.,]*万円)`)),
			},
			ModelYear: []ElementHandler{
				definitionHandler(specBox, "年式"),
				tableHandler(specTable, "年式", "初度登録"),
				titlePatternHandler(regexp.MustCompile(`((?:19|20)[0-9]{2})年`)),
			},
			Odometer: []ElementHandler{
				definitionHandler(specBox, "走行距離"),
				tableHandler(specTable, "走行距離"),
				titlePatternHandler(regexp.MustCompile(`([0-9][0-9.,]*万?km)`)),
			},
			Location: []ElementHandler{
				textHandler(".cassetteSub__area p, .shopInfo_address"),
				tableHandler(specTable, "所在地", "地域"),
				metaHandler("og:locality"),
			},
			DealerName: []ElementHandler{
				textHandler(".shopInfo_name, .cassetteSub__shop a"),
				metaHandler("og:site_name"),
			},
			Color:         []ElementHandler{tableHandler(specTable, "色")},
			Transmission:  []ElementHandler{tableHandler(specTable, "ミッション")},
			FuelType:      []ElementHandler{tableHandler(specTable, "エンジン種別", "燃料")},
			DriveType:     []ElementHandler{tableHandler(specTable, "駆動方式")},
			Displacement:  []ElementHandler{tableHandler(specTable, "排気量")},
			RepairHistory: []ElementHandler{definitionHandler(specBox, "修復歴"), tableHandler(specTable, "修復歴")},
			Warranty:      []ElementHandler{definitionHandler(specBox, "保証"), tableHandler(specTable, "保証")},
		},
		Gallery: GallerySelectors{
			Expand:         "div.detailSlider__expansion",
			MainImage:      "#js-mainPhoto",
			FirstThumbnail: "#js-thumbnailList li:first-child, .detailSlider__thumbnail li:first-child",
			Next:           "#js-nextPhoto",
			ImagePattern:   regexp.MustCompile(`^https?://ccsrpcm[al]\.carsensor\.net/`),
		},
	}
}
