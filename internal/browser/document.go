package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/quietfeed/suppress"
)

// Document is the rod-backed suppress.Document of one page.
type Document struct {
	page *rod.Page
}

// NewDocument wraps page.
func NewDocument(page *rod.Page) *Document { return &Document{page: page} }

func (d *Document) p(ctx context.Context) *rod.Page { return d.page.Context(ctx) }

// Query implements suppress.Document.
func (d *Document) Query(ctx context.Context, selector string) ([]suppress.Element, error) {
	els, err := d.p(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	out := make([]suppress.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &Element{el: el})
	}
	return out, nil
}

// Marked implements suppress.Document.
func (d *Document) Marked(ctx context.Context) ([]suppress.Element, error) {
	return d.Query(ctx, "["+suppress.AttrHidden+"]")
}

func (d *Document) evalString(ctx context.Context, js string) (string, error) {
	res, err := d.p(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// URL implements suppress.Document.
func (d *Document) URL(ctx context.Context) (string, error) {
	return d.evalString(ctx, `() => location.href`)
}

// Referrer implements suppress.Document.
func (d *Document) Referrer(ctx context.Context) (string, error) {
	return d.evalString(ctx, `() => document.referrer`)
}

// HistoryLength implements suppress.Document.
func (d *Document) HistoryLength(ctx context.Context) (int, error) {
	res, err := d.p(ctx).Eval(`() => history.length`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// Navigate replaces the current entry, so back does not return to the
// blocked page.
func (d *Document) Navigate(ctx context.Context, url string) error {
	_, err := d.p(ctx).Eval(`(u) => { location.replace(u) }`, url)
	return err
}

// HistoryBack implements suppress.Document.
func (d *Document) HistoryBack(ctx context.Context) error {
	_, err := d.p(ctx).Eval(`() => { history.back() }`)
	return err
}

// Element is the rod-backed suppress.Element.
type Element struct {
	el *rod.Element
}

func (e *Element) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return e.el.Context(ctx).Eval(js, args...)
}

// Attr implements suppress.Element.
func (e *Element) Attr(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// SetAttr implements suppress.Element.
func (e *Element) SetAttr(ctx context.Context, name, value string) error {
	_, err := e.eval(ctx, `(n, v) => { this.setAttribute(n, v) }`, name, value)
	return err
}

// RemoveAttr implements suppress.Element.
func (e *Element) RemoveAttr(ctx context.Context, name string) error {
	_, err := e.eval(ctx, `(n) => { this.removeAttribute(n) }`, name)
	return err
}

// ComputedDisplay implements suppress.Element.
func (e *Element) ComputedDisplay(ctx context.Context) (string, error) {
	r, err := e.eval(ctx, `() => getComputedStyle(this).display`)
	if err != nil {
		return "", err
	}
	return r.Value.Str(), nil
}

// ForceHidden implements suppress.Element.
func (e *Element) ForceHidden(ctx context.Context) error {
	_, err := e.eval(ctx, `() => { this.style.setProperty('display', 'none', 'important') }`)
	return err
}

// ClearDisplay implements suppress.Element.
func (e *Element) ClearDisplay(ctx context.Context) error {
	_, err := e.eval(ctx, `() => { this.style.removeProperty('display') }`)
	return err
}

// SetDisplay implements suppress.Element.
func (e *Element) SetDisplay(ctx context.Context, value string) error {
	_, err := e.eval(ctx, `(v) => { this.style.setProperty('display', v) }`, value)
	return err
}

// PauseMedia implements suppress.Element.
func (e *Element) PauseMedia(ctx context.Context) error {
	_, err := e.eval(ctx, `() => { this.autoplay = false; if (typeof this.pause === 'function') this.pause() }`)
	return err
}

// SetAutoplay implements suppress.Element.
func (e *Element) SetAutoplay(ctx context.Context, on bool) error {
	_, err := e.eval(ctx, `(on) => { this.autoplay = on }`, on)
	return err
}

// Has implements suppress.Element. An invalid selector matches nothing.
func (e *Element) Has(ctx context.Context, selector string) (bool, error) {
	r, err := e.eval(ctx, `(s) => { try { return !!this.querySelector(s) } catch (_) { return false } }`, selector)
	if err != nil {
		return false, err
	}
	return r.Value.Bool(), nil
}
