// Package browsertest provides an in-memory browser whose DOM is scripted
// by tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/VenkatGGG/notebook-relay/internal/browser"
)

// Node is one scripted DOM element.
type Node struct {
	Tag       string
	AriaLabel string
	Text      string
	Hidden    bool
	Disabled  bool
	XPath     string
	// Relative maps a relative query to the text it resolves to.
	Relative map[string]string

	ClickErr       error
	ScriptClickErr error
	ScrollErr      error
	DescribeErr    error
	XPathErr       error

	Typed        string
	Clicks       int
	ScriptClicks int
	Scrolls      int
}

type growth struct {
	query      string
	afterFinds int
	nodes      []*Node
	applied    bool
}

// Page is a fake browser.Browser. The zero value is not usable; call NewPage.
type Page struct {
	mu sync.Mutex

	url       string
	title     string
	body      bool
	elements  map[string][]*Node
	growths   []*growth
	finds     map[string]int
	calls     int
	navigated []string
	cookies   []browser.Cookie
	console   []browser.ConsoleEntry
	closed    bool

	// NavigateErr fails every navigation. BlockNavigate makes navigations
	// wait for their context.
	NavigateErr    error
	BlockNavigate  bool
	KeepURL        bool
	FindErr        error
	CloseErr       error
	ScreenshotData []byte
	// CookieErrs fails SetCookie for the named cookies.
	CookieErrs map[string]error
	ConsoleErr error
}

var _ browser.Browser = (*Page)(nil)

func NewPage() *Page {
	return &Page{
		url:            "about:blank",
		body:           true,
		elements:       make(map[string][]*Node),
		finds:          make(map[string]int),
		ScreenshotData: []byte("\x89PNG fake"),
	}
}

// SetElements replaces the nodes matched by query.
func (p *Page) SetElements(query string, nodes ...*Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[query] = append([]*Node(nil), nodes...)
}

// AppendAfter appends nodes to the matches of query once query has been
// looked up afterFinds times.
func (p *Page) AppendAfter(query string, afterFinds int, nodes ...*Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.growths = append(p.growths, &growth{query: query, afterFinds: afterFinds, nodes: nodes})
}

func (p *Page) SetBody(present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = present
}

func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Calls counts every browser operation invoked on the page.
func (p *Page) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Cookies returns the cookies set so far, in order.
func (p *Page) Cookies() []browser.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...)
}

// Log queues console entries for the next ConsoleLog call.
func (p *Page) Log(entries ...browser.ConsoleEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.console = append(p.console, entries...)
}

func (p *Page) Finds(query string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finds[query]
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.calls++
	p.navigated = append(p.navigated, url)
	block, navErr := p.BlockNavigate, p.NavigateErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if navErr != nil {
		return navErr
	}
	p.mu.Lock()
	if !p.KeepURL {
		p.url = url
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.url, nil
}

func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.title, nil
}

func (p *Page) BodyPresent(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.body, nil
}

func (p *Page) Find(_ context.Context, query string) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	p.finds[query]++
	for _, g := range p.growths {
		if g.applied || g.query != query || p.finds[query] <= g.afterFinds {
			continue
		}
		p.elements[query] = append(p.elements[query], g.nodes...)
		g.applied = true
	}
	nodes := p.elements[query]
	out := make([]browser.Element, len(nodes))
	for i := range nodes {
		out[i] = browser.Element{Query: query, Index: i}
	}
	return out, nil
}

func (p *Page) node(el browser.Element) (*Node, error) {
	nodes := p.elements[el.Query]
	if el.Index < 0 || el.Index >= len(nodes) {
		return nil, browser.ErrStaleElement
	}
	return nodes[el.Index], nil
}

func (p *Page) Describe(_ context.Context, el browser.Element) (browser.ElementState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return browser.ElementState{}, err
	}
	if n.DescribeErr != nil {
		return browser.ElementState{}, n.DescribeErr
	}
	return browser.ElementState{
		Tag:       n.Tag,
		AriaLabel: n.AriaLabel,
		Text:      n.Text,
		Displayed: !n.Hidden,
		Enabled:   !n.Disabled,
	}, nil
}

func (p *Page) Type(_ context.Context, el browser.Element, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return err
	}
	if n.Hidden {
		return browser.ErrNotInteractable
	}
	n.Typed = text
	return nil
}

func (p *Page) ScrollIntoView(_ context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return err
	}
	if n.ScrollErr != nil {
		return n.ScrollErr
	}
	n.Scrolls++
	return nil
}

func (p *Page) Click(_ context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return err
	}
	if n.ClickErr != nil {
		return n.ClickErr
	}
	n.Clicks++
	return nil
}

func (p *Page) ScriptClick(_ context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return err
	}
	if n.ScriptClickErr != nil {
		return n.ScriptClickErr
	}
	n.ScriptClicks++
	return nil
}

func (p *Page) XPathOf(_ context.Context, el browser.Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return "", err
	}
	if n.XPathErr != nil {
		return "", n.XPathErr
	}
	return n.XPath, nil
}

func (p *Page) TextAt(_ context.Context, el browser.Element, relative string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	n, err := p.node(el)
	if err != nil {
		return "", err
	}
	text, ok := n.Relative[relative]
	if !ok {
		return "", browser.ErrNoSuchElement
	}
	return text, nil
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return append([]byte(nil), p.ScreenshotData...), nil
}

func (p *Page) SetCookie(_ context.Context, cookie browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.CookieErrs[cookie.Name]; err != nil {
		return err
	}
	p.cookies = append(p.cookies, cookie)
	return nil
}

func (p *Page) ConsoleLog(context.Context) ([]browser.ConsoleEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.ConsoleErr != nil {
		return nil, p.ConsoleErr
	}
	out := p.console
	p.console = nil
	return out, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.CloseErr
}

// Launcher hands out fake pages and records how it was asked to launch them.
type Launcher struct {
	mu       sync.Mutex
	launches []browser.LaunchOptions
	pages    []*Page

	// NewPage builds the page for each launch; NewPage() is used when nil.
	NewPage   func() *Page
	LaunchErr error
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Name() string { return "fake" }

func (l *Launcher) Launch(_ context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, opts)
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	build := l.NewPage
	if build == nil {
		build = NewPage
	}
	page := build()
	l.pages = append(l.pages, page)
	return page, nil
}

func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}

// Pages returns every page launched so far, oldest first.
func (l *Launcher) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}
