package tags

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const parentHashLength = 5

// Slugify lowercases value, strips diacritics and collapses every run of
// non-alphanumeric characters into a single dash.
func Slugify(value string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(stripper, value)
	if err != nil {
		plain = value
	}
	var builder strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(plain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingDash = false
			builder.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return builder.String()
}

// UniqueSlug derives the storage key of a tag from its identity. Child keys
// are scoped by a short digest of the parent key so equal names under
// different parents never collide.
func UniqueSlug(name string, tagType Type, parent string) string {
	base := string(tagType) + "-" + Slugify(name)
	if parent == "" {
		return base
	}
	return base + "-" + shortHash(parent)
}

func shortHash(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:parentHashLength]
}
