package helpers

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

var (
	decimalRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	yearRe    = regexp.MustCompile(`(19|20)\d{2}`)
	eraRe     = regexp.MustCompile(`([HRhr])\s*(\d{1,2}|元)`)
	spaceRe   = regexp.MustCompile(`[\s\x{3000}]+`)
)

// Japanese era first years, year N of the era is base+N
var eraBase = map[string]int{
	"H": 1988,
	"R": 2018,
}

func GetSplitPart(target string, separate string, index int) (string, error) {
	parts := strings.Split(target, separate)
	if index >= len(parts) {
		return "", errors.New("index out of range")
	}
	return parts[index], nil
}

// NormalizeText folds full-width characters and collapses whitespace
func NormalizeText(s string) string {
	s = width.Fold.String(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ParseYen parses prices such as "350.5万円", "支払総額 3,505,000円" or "3505000"
func ParseYen(text string) (int64, bool) {
	s := strings.ReplaceAll(NormalizeText(text), ",", "")
	num := decimalRe.FindString(s)
	if num == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, "万") {
		value *= 10000
	}
	return int64(value + 0.5), true
}

// ParseKilometers parses odometer readings such as "3.2万km" or "12,000km"
func ParseKilometers(text string) (int, bool) {
	s := strings.ReplaceAll(NormalizeText(text), ",", "")
	num := decimalRe.FindString(s)
	if num == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, "万") {
		value *= 10000
	}
	return int(value + 0.5), true
}

// ParseYear extracts a Gregorian year, falling back to Heisei/Reiwa notation ("H30", "R元")
func ParseYear(text string) (int, bool) {
	s := NormalizeText(text)
	if y := yearRe.FindString(s); y != "" {
		year, err := strconv.Atoi(y)
		return year, err == nil
	}

	m := eraRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n := 1
	if m[2] != "元" {
		var err error
		if n, err = strconv.Atoi(m[2]); err != nil {
			return 0, false
		}
	}
	return eraBase[strings.ToUpper(m[1])] + n, true
}
