package suppress

import "context"

// Marker attributes written onto suppressed elements.
const (
	// AttrHidden holds the reason (option id) an element is hidden.
	AttrHidden = "data-quietfeed-hidden"
	// AttrToken holds the ledger token of the element's original state.
	AttrToken = "data-quietfeed-token"
	// AttrPaused marks media elements stopped rather than hidden.
	AttrPaused = "data-quietfeed-paused"
)

// Element is a live node of a tab's document.
type Element interface {
	Attr(ctx context.Context, name string) (string, bool, error)
	SetAttr(ctx context.Context, name, value string) error
	RemoveAttr(ctx context.Context, name string) error

	// ComputedDisplay returns the rendered display value.
	ComputedDisplay(ctx context.Context) (string, error)
	// ForceHidden sets an inline display:none with important priority.
	ForceHidden(ctx context.Context) error
	// ClearDisplay removes the inline display property.
	ClearDisplay(ctx context.Context) error
	// SetDisplay sets an inline display value.
	SetDisplay(ctx context.Context, value string) error

	// PauseMedia turns autoplay off and pauses playback.
	PauseMedia(ctx context.Context) error
	// SetAutoplay sets the media autoplay flag.
	SetAutoplay(ctx context.Context, on bool) error

	// Has reports whether a descendant matches selector.
	Has(ctx context.Context, selector string) (bool, error)
}

// Document is the page of one tab as the controller sees it.
type Document interface {
	Query(ctx context.Context, selector string) ([]Element, error)
	// Marked returns every element carrying AttrHidden.
	Marked(ctx context.Context) ([]Element, error)

	URL(ctx context.Context) (string, error)
	Referrer(ctx context.Context) (string, error)
	HistoryLength(ctx context.Context) (int, error)

	Navigate(ctx context.Context, url string) error
	HistoryBack(ctx context.Context) error
}
