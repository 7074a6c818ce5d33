package worker

import "github.com/JakeFAU/creator-crawler/internal/crawler"

// Classify maps an extraction onto an outcome:
//   - name plus location, bio or a social link: scraped
//   - name only: invalid, or retryable when nameOnlyInvalid is false
//   - no name on a not-found page: invalid
//   - anything else: retryable
func Classify(ext crawler.DetailExtraction, nameOnlyInvalid bool) crawler.Outcome {
	d := ext.Details
	switch {
	case d.HasName() && d.HasSecondary():
		return crawler.Scraped(d)
	case d.HasName() && nameOnlyInvalid:
		return crawler.Invalid("name only")
	case d.HasName():
		return crawler.Retryable("name only")
	case ext.NotFound:
		return crawler.Invalid("not found")
	default:
		return crawler.Retryable("no profile name")
	}
}
