package business

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// ParseSupplierCards reads a vCard directory export and returns one
// supplier per card. The supplier name is the card's organization,
// falling back to its formatted name; domains come from email
// addresses and URLs. Cards with neither name are skipped.
func ParseSupplierCards(r io.Reader) ([]RawSupplier, error) {
	dec := vcard.NewDecoder(r)
	var out []RawSupplier
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}

		name := organization(card)
		if name == "" {
			name = strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName))
		}
		if name == "" {
			continue
		}

		s := RawSupplier{Name: name}
		for _, addr := range card.Values(vcard.FieldEmail) {
			if d := normalizeDomain(addr); d != "" {
				s.Domains = append(s.Domains, d)
			}
		}
		for _, u := range card.Values(vcard.FieldURL) {
			if d := normalizeDomain(u); d != "" {
				s.Domains = append(s.Domains, d)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// organization returns the first component of ORG ("Acme;Sales" is
// "Acme").
func organization(card vcard.Card) string {
	org := card.Value(vcard.FieldOrganization)
	if i := strings.Index(org, ";"); i >= 0 {
		org = org[:i]
	}
	return strings.TrimSpace(org)
}
