// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package normalize canonicalizes task parameters before dispatch. All
// functions are pure and idempotent: normalizing an already-normal value
// returns it unchanged, and the same input always yields the same output
// for a given reference time.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
)

// Reason codes carried by Error.
const (
	ReasonInvalidLocation = "InvalidLocation"
	ReasonInvalidDate     = "InvalidDate"
	ReasonInvalidLanguage = "InvalidLanguage"
	ReasonInvalidCurrency = "InvalidCurrency"
	ReasonInvalidSymbol   = "InvalidSymbol"
)

// Error reports one parameter that could not be normalized. The caller
// decides whether to reject the task or pass the raw value through.
type Error struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Money is the canonical form of a free-text price.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Location canonicalizes a place string to "City,CC" with a title-cased
// city and an uppercase ISO-3166-1-alpha-2 country code. A bare city stays
// a bare city, and an IATA-like 3-letter code passes through uppercased.
func Location(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &Error{Field: "location", Value: s, Reason: ReasonInvalidLocation}
	}
	if isIATA(s) {
		return strings.ToUpper(s), nil
	}

	idx := strings.LastIndex(s, ",")
	if idx < 0 {
		return cases.Title(language.English).String(s), nil
	}

	city := strings.TrimSpace(s[:idx])
	country := strings.TrimSpace(s[idx+1:])
	if city == "" || country == "" {
		return "", &Error{Field: "location", Value: s, Reason: ReasonInvalidLocation}
	}
	cc, ok := countryCode(country)
	if !ok {
		return "", &Error{Field: "location", Value: s, Reason: ReasonInvalidLocation}
	}
	return cases.Title(language.English).String(city) + "," + cc, nil
}

// isIATA reports whether s looks like an airport code: exactly three ASCII
// letters, no separators.
func isIATA(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// countryNames maps common English country names to ISO-3166-1-alpha-2.
var countryNames = map[string]string{
	"australia":      "AU",
	"austria":        "AT",
	"belgium":        "BE",
	"brazil":         "BR",
	"canada":         "CA",
	"china":          "CN",
	"denmark":        "DK",
	"finland":        "FI",
	"france":         "FR",
	"germany":        "DE",
	"greece":         "GR",
	"india":          "IN",
	"ireland":        "IE",
	"italy":          "IT",
	"japan":          "JP",
	"korea":          "KR",
	"mexico":         "MX",
	"netherlands":    "NL",
	"norway":         "NO",
	"poland":         "PL",
	"portugal":       "PT",
	"south korea":    "KR",
	"spain":          "ES",
	"sweden":         "SE",
	"switzerland":    "CH",
	"uk":             "GB",
	"united kingdom": "GB",
	"united states":  "US",
	"usa":            "US",
}

func countryCode(s string) (string, bool) {
	if cc, ok := countryNames[strings.ToLower(s)]; ok {
		return cc, true
	}
	if len(s) != 2 {
		return "", false
	}
	region, err := language.ParseRegion(strings.ToUpper(s))
	if err != nil || !region.IsCountry() {
		return "", false
	}
	return region.String(), true
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"sun":       time.Sunday,
	"monday":    time.Monday,
	"mon":       time.Monday,
	"tuesday":   time.Tuesday,
	"tue":       time.Tuesday,
	"wednesday": time.Wednesday,
	"wed":       time.Wednesday,
	"thursday":  time.Thursday,
	"thu":       time.Thursday,
	"friday":    time.Friday,
	"fri":       time.Friday,
	"saturday":  time.Saturday,
	"sat":       time.Saturday,
}

// Date resolves a date expression to an ISO YYYY-MM-DD string in UTC.
// Accepted forms: an ISO date, "today", "tomorrow", and weekday names,
// which resolve to the next occurrence strictly after the reference day.
func Date(s string, now time.Time) (string, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "next ")
	now = now.UTC()

	switch s {
	case "":
		return "", &Error{Field: "date", Value: raw, Reason: ReasonInvalidDate}
	case "today":
		return now.Format("2006-01-02"), nil
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02"), nil
	}
	if wd, ok := weekdays[s]; ok {
		delta := (int(wd) - int(now.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return now.AddDate(0, 0, delta).Format("2006-01-02"), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t.Format("2006-01-02"), nil
	}
	return "", &Error{Field: "date", Value: raw, Reason: ReasonInvalidDate}
}

// languageNames maps common English language names to ISO-639-1.
var languageNames = map[string]string{
	"arabic":     "ar",
	"chinese":    "zh",
	"danish":     "da",
	"dutch":      "nl",
	"english":    "en",
	"finnish":    "fi",
	"french":     "fr",
	"german":     "de",
	"greek":      "el",
	"hindi":      "hi",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"mandarin":   "zh",
	"norwegian":  "no",
	"polish":     "pl",
	"portuguese": "pt",
	"russian":    "ru",
	"spanish":    "es",
	"swedish":    "sv",
	"turkish":    "tr",
}

// Language lowers a language tag to its two-letter ISO-639-1 form, mapping
// common English names along the way.
func Language(s string) (string, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	if code, ok := languageNames[s]; ok {
		return code, nil
	}
	if len(s) == 2 || len(s) == 3 {
		base, err := language.ParseBase(s)
		if err == nil {
			return base.String(), nil
		}
	}
	return "", &Error{Field: "language", Value: raw, Reason: ReasonInvalidLanguage}
}

// currencySymbols maps price symbols to ISO-4217 codes. Scanned in slice
// order so inputs carrying several symbols resolve the same way every time.
var currencySymbols = []struct {
	sym string
	iso string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

// currencyWords maps spelled-out currency names to ISO-4217 codes.
var currencyWords = map[string]string{
	"buck":    "USD",
	"bucks":   "USD",
	"dollar":  "USD",
	"dollars": "USD",
	"euro":    "EUR",
	"euros":   "EUR",
	"franc":   "CHF",
	"francs":  "CHF",
	"pound":   "GBP",
	"pounds":  "GBP",
	"rupee":   "INR",
	"rupees":  "INR",
	"won":     "KRW",
	"yen":     "JPY",
	"yuan":    "CNY",
}

var amountRe = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`)

// Currency parses a free-text price ("1500 euros", "$99.50", "EUR 450")
// into an amount plus ISO-4217 code.
func Currency(s string) (Money, error) {
	raw := s
	s = strings.TrimSpace(s)
	fail := func() (Money, error) {
		return Money{}, &Error{Field: "currency", Value: raw, Reason: ReasonInvalidCurrency}
	}
	if s == "" {
		return fail()
	}

	code := ""
	for _, entry := range currencySymbols {
		if strings.Contains(s, entry.sym) {
			code = entry.iso
			s = strings.ReplaceAll(s, entry.sym, " ")
			break
		}
	}
	if code == "" {
		for _, word := range strings.Fields(strings.ToLower(s)) {
			word = strings.Trim(word, ".,")
			if iso, ok := currencyWords[word]; ok {
				code = iso
				break
			}
			if len(word) == 3 {
				if unit, err := currency.ParseISO(strings.ToUpper(word)); err == nil {
					code = unit.String()
					break
				}
			}
		}
	}
	if code == "" {
		return fail()
	}

	match := amountRe.FindString(s)
	if match == "" {
		return fail()
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return fail()
	}
	return Money{Amount: amount, Currency: code}, nil
}

// Symbol uppercases a ticker and strips exchange decorations: a colon
// prefix ("NASDAQ:TSLA") and dot suffixes of two letters or more
// ("aapl.us"). Single-letter dot suffixes are share classes and stay.
func Symbol(s string) (string, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "."); i >= 0 && len(s)-i-1 >= 2 {
		s = s[:i]
	}
	if !validSymbol(s) {
		return "", &Error{Field: "symbol", Value: raw, Reason: ReasonInvalidSymbol}
	}
	return s, nil
}

func validSymbol(s string) bool {
	if s == "" || len(s) > 10 {
		return false
	}
	letters := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= 'A' && c <= 'Z':
			letters++
		case c >= '0' && c <= '9', c == '.':
		default:
			return false
		}
	}
	return letters > 0
}
