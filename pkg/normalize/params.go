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

package normalize

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Kind selects which normalization rule applies to a parameter.
type Kind string

const (
	KindLocation Kind = "location"
	KindDate     Kind = "date"
	KindLanguage Kind = "language"
	KindCurrency Kind = "currency"
	KindSymbol   Kind = "symbol"
)

// fieldKinds maps parameter names to kinds. Keys are matched after
// lowercasing and underscore removal, so snake_case and camelCase planner
// output land on the same entry.
var fieldKinds = map[string]Kind{
	"city":        KindLocation,
	"destination": KindLocation,
	"location":    KindLocation,
	"origin":      KindLocation,

	"checkin":       KindDate,
	"checkindate":   KindDate,
	"checkout":      KindDate,
	"checkoutdate":  KindDate,
	"date":          KindDate,
	"departuredate": KindDate,
	"enddate":       KindDate,
	"returndate":    KindDate,
	"startdate":     KindDate,
	"traveldate":    KindDate,

	"lang":           KindLanguage,
	"language":       KindLanguage,
	"sourcelanguage": KindLanguage,
	"targetlanguage": KindLanguage,

	"amount":   KindCurrency,
	"budget":   KindCurrency,
	"currency": KindCurrency,
	"maxprice": KindCurrency,
	"price":    KindCurrency,

	"stocksymbol":  KindSymbol,
	"symbol":       KindSymbol,
	"ticker":       KindSymbol,
	"tickersymbol": KindSymbol,
}

// KindFor reports the normalization kind for a parameter name, if any.
func KindFor(field string) (Kind, bool) {
	key := strings.ReplaceAll(strings.ToLower(field), "_", "")
	k, ok := fieldKinds[key]
	return k, ok
}

// Value normalizes a single string value under the given kind. The
// reference time anchors relative date expressions.
func Value(kind Kind, s string, now time.Time) (any, error) {
	switch kind {
	case KindLocation:
		return Location(s)
	case KindDate:
		return Date(s, now)
	case KindLanguage:
		return Language(s)
	case KindCurrency:
		return Currency(s)
	case KindSymbol:
		return Symbol(s)
	default:
		return s, nil
	}
}

// Params normalizes every recognized string parameter in place of a copy of
// params. Unrecognized fields and non-string values pass through untouched.
// Failed fields keep their raw value and contribute an Error; the caller
// decides whether that rejects the task.
func Params(params map[string]any, now time.Time) (map[string]any, []Error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	var errs []Error
	for field, v := range params {
		kind, ok := KindFor(field)
		if !ok {
			out[field] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			out[field] = v
			continue
		}
		normalized, err := Value(kind, s, now)
		if err != nil {
			var ne *Error
			if errors.As(err, &ne) {
				e := *ne
				e.Field = field
				errs = append(errs, e)
			} else {
				errs = append(errs, Error{Field: field, Value: s, Reason: err.Error()})
			}
			out[field] = v
			continue
		}
		out[field] = normalized
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return out, errs
}
