// Package address splits free-text shipping addresses into regions. Results
// are hints only; callers keep the raw text as the authoritative value.
package address

import (
	"errors"
	"strings"
)

var ErrUnparseable = errors.New("address not parseable")

type Parts struct {
	Region   string
	City     string
	District string
	Street   string
}

type Parser interface {
	Parse(raw string) (Parts, error)
}

// CommaParser reads "street, district, city, region" style addresses, most
// specific component first.
type CommaParser struct{}

func (CommaParser) Parse(raw string) (Parts, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '，' || r == '\n' || r == ';'
	})

	var parts []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}

	switch len(parts) {
	case 0, 1:
		return Parts{}, ErrUnparseable
	case 2:
		return Parts{Street: parts[0], City: parts[1]}, nil
	case 3:
		return Parts{Street: parts[0], City: parts[1], Region: parts[2]}, nil
	default:
		n := len(parts)
		return Parts{
			Street:   strings.Join(parts[:n-3], ", "),
			District: parts[n-3],
			City:     parts[n-2],
			Region:   parts[n-1],
		}, nil
	}
}
