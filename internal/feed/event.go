// Package feed fetches the live results payload and turns it into ordered,
// identity-resolved candidate events for one calendar day.
package feed

import (
	"time"

	"concallbot/internal/ledger"
	"concallbot/internal/universe"
)

// Event is one item of the live results feed as received.
type Event struct {
	CompanyName string
	AltName     string
	Time        time.Time
	RawTime     string
	Description string
	DocumentURL string
}

// Candidate is an Event whose company resolved against the universe.
type Candidate struct {
	Event
	Entity   string
	Symbol   string
	Strategy universe.Strategy
}

// Name is the display and dedup name: the feed's company name when present,
// otherwise the matched entity.
func (c Candidate) Name() string {
	if c.CompanyName != "" {
		return c.CompanyName
	}
	return c.Entity
}

func (c Candidate) DeliveryKey() ledger.Key { return ledger.NewKey(c.Name(), c.Description) }

// Entry is the ledger record for a delivered candidate.
func (c Candidate) Entry() ledger.Entry {
	return ledger.Entry{Key: c.DeliveryKey(), Entity: c.Entity, Description: c.Description}
}
