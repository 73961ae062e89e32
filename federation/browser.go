package federation

import "context"

// Outcome is how the auth browser session ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
	OutcomeDismissed
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDismissed:
		return "dismissed"
	default:
		return "unavailable"
	}
}

// BrowserResult carries the redirect URL when Outcome is OutcomeSuccess.
type BrowserResult struct {
	Outcome Outcome
	URL     string
}

// Browser shows the provider's authorization page and waits for the redirect
// to redirectURI.
type Browser interface {
	OpenAuth(ctx context.Context, authURL, redirectURI string) (BrowserResult, error)
}

// Opener hands a URL to the platform's default browser.
type Opener interface {
	OpenURL(ctx context.Context, url string) error
}
