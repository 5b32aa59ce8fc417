package delivery

import (
	"github.com/weiawesome/wes-io-relay/notification-service/internal/provider"
)

// DefaultBulkThreshold is the recipient count above which email goes to
// bulk providers instead of primary ones.
const DefaultBulkThreshold = 5

// Selection is the provider chosen for a cycle and its optional fallback.
type Selection struct {
	Primary  provider.Provider
	Fallback provider.Provider
}

// SelectEmail picks an email provider for count recipients: a primary
// provider when count is at most threshold, then a bulk provider, then
// any provider able to take count recipients. It returns nil when none
// can.
func SelectEmail(providers []provider.Provider, count, threshold int) provider.Provider {
	if count <= threshold {
		for _, p := range providers {
			if caps := p.Capabilities(); caps.Primary && caps.Covers(count) {
				return p
			}
		}
	}
	for _, p := range providers {
		if caps := p.Capabilities(); caps.Bulk && caps.Covers(count) {
			return p
		}
	}
	for _, p := range providers {
		if p.Capabilities().Covers(count) {
			return p
		}
	}
	return nil
}

// fallbackFor returns the first other provider that can take count
// recipients.
func fallbackFor(providers []provider.Provider, chosen provider.Provider, count int) provider.Provider {
	for _, p := range providers {
		if p.Name() != chosen.Name() && p.Capabilities().Covers(count) {
			return p
		}
	}
	return nil
}

// selectFor builds the selection of one notification cycle.
func selectFor(providers []provider.Provider, email bool, count, threshold int) (Selection, bool) {
	var primary provider.Provider
	if email {
		primary = SelectEmail(providers, count, threshold)
	} else if len(providers) > 0 {
		primary = providers[0]
	}
	if primary == nil {
		return Selection{}, false
	}
	return Selection{Primary: primary, Fallback: fallbackFor(providers, primary, count)}, true
}
