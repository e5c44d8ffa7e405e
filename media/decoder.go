package media

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// busctl type markers recognised inside a property dump.
var busTypes = map[string]bool{
	"s": true, "o": true, "u": true, "t": true, "q": true,
	"i": true, "n": true, "y": true, "b": true, "as": true,
}

var emptyValueRegex = regexp.MustCompile(`(?i)^(-|none|null)$`)

// Value is one decoded dictionary entry. Arrays populate List, everything
// else populates Str.
type Value struct {
	Type string
	Str  string
	List []string
}

// Track is the metadata of the track a media player is reporting.
type Track struct {
	Title       string
	Artist      string
	Album       string
	DurationSec int
	ImgHandle   string
	ArtworkURL  string
	ObexPort    int
}

// Tokenize splits busctl output on whitespace, keeping double-quoted runs
// together as one token without the quotes.
func Tokenize(raw string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false

	flush := func() {
		if current.Len() == 0 {
			return
		}
		tokens = append(tokens, current.String())
		current.Reset()
	}

	for _, r := range raw {
		switch {
		case r == '"':
			flush()
			inQuotes = !inQuotes
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

// ParseDict decodes a `busctl get-property` dump of an a{sv} dictionary.
// A token is taken as a key only when the next token is a known type
// marker; anything else is skipped one token at a time.
func ParseDict(raw string) map[string]Value {
	tokens := Tokenize(raw)
	entries := make(map[string]Value)

	for i := 0; i < len(tokens)-1; {
		key, typ := tokens[i], tokens[i+1]
		if !busTypes[typ] {
			i++
			continue
		}
		i += 2

		if typ == "as" {
			count := 0
			if i < len(tokens) {
				if n, err := strconv.Atoi(tokens[i]); err == nil && n > 0 {
					count = n
				}
				i++
			}
			values := make([]string, 0, count)
			for j := 0; j < count && i < len(tokens); j++ {
				values = append(values, tokens[i])
				i++
			}
			entries[key] = Value{Type: typ, List: values}
			continue
		}

		if i < len(tokens) {
			entries[key] = Value{Type: typ, Str: tokens[i]}
		}
		i++
	}

	return entries
}

// NormalizeValue maps the CLI's spellings of "no value" to "".
func NormalizeValue(s string) string {
	s = strings.TrimSpace(s)
	if emptyValueRegex.MatchString(s) {
		return ""
	}
	return s
}

// DurationSeconds converts a Duration value of undeclared unit to seconds.
// Above 10,000,000 it is read as microseconds, above 10,000 as
// milliseconds, otherwise as seconds.
func DurationSeconds(raw string) int {
	d, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0
	}
	switch {
	case d > 10_000_000:
		return int(math.Round(d / 1_000_000))
	case d > 10_000:
		return int(math.Round(d / 1_000))
	default:
		return int(math.Round(d))
	}
}

func (v Value) text() string {
	if v.Type == "as" {
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			if item = NormalizeValue(item); item != "" {
				parts = append(parts, item)
			}
		}
		return strings.Join(parts, ", ")
	}
	return NormalizeValue(v.Str)
}

func firstValue(entries map[string]Value, keys ...string) string {
	for _, key := range keys {
		if s := entries[key].text(); s != "" {
			return s
		}
	}
	return ""
}

// DecodeTrack turns a MediaPlayer1 Track dump into a Track. Malformed input
// yields empty fields.
func DecodeTrack(raw string) Track {
	entries := ParseDict(raw)

	track := Track{
		Title:       firstValue(entries, "Title"),
		Artist:      firstValue(entries, "Artist"),
		Album:       firstValue(entries, "Album"),
		DurationSec: DurationSeconds(entries["Duration"].Str),
		ImgHandle:   firstValue(entries, "ImgHandle", "ImageHandle"),
		ArtworkURL:  firstValue(entries, "Artwork", "Image", "Cover", "Icon"),
	}
	if port, err := strconv.Atoi(entries["ObexPort"].Str); err == nil && port > 0 {
		track.ObexPort = port
	}

	return track
}

var firstNumberRegex = regexp.MustCompile(`\b(\d+)\b`)

// firstNumber returns the first unsigned integer in a scalar property dump
// such as `q 4101`, or 0.
func firstNumber(raw string) int {
	match := firstNumberRegex.FindStringSubmatch(raw)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}
