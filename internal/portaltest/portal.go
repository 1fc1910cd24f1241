// Package portaltest provides an in-memory cause-list portal that implements
// schemas.Automation, for tests that need a browser without launching one.
package portaltest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/causelist/api/schemas"
)

// Never disables a delayed event entirely.
const Never = -1

// maxWaitTicks bounds WaitUntil; a predicate that has not held by then times out.
const maxWaitTicks = 25

// Element ids. Options and containers are offset from their base.
const (
	idBody        int64 = 1
	idDatePicker  int64 = 10
	idDateButton  int64 = 11
	idCivil       int64 = 20
	idCriminal    int64 = 21
	idCaptchaImg  int64 = 30
	idCaptchaIn   int64 = 31
	idSubmit      int64 = 40
	idLevelBase   int64 = 100
	idOptionBase  int64 = 1000
	idOptionBlock int64 = 1000
	idContainer   int64 = 500
)

// Layout names the selectors the fake answers to.
type Layout struct {
	Levels             []string
	DatePicker         string
	DateButtonTemplate string
	Civil              string
	Criminal           string
	CaptchaImage       string
	CaptchaInput       string
	Submit             string
	ResultRoot         string
	ResultContainer    string
}

// DefaultLayout mirrors the default portal configuration.
func DefaultLayout() Layout {
	return Layout{
		Levels:             []string{"#est_code", "#court"},
		DatePicker:         ".icon[aria-label^='Choose Date']",
		DateButtonTemplate: "button.dateButton[data-date='%s']",
		Civil:              "#chkCauseTypeCivil",
		Criminal:           "#chkCauseTypeCriminal",
		CaptchaImage:       "img[src*='captcha']",
		CaptchaInput:       "input[name*='captcha']",
		Submit:             "input[type='submit'][value='Search']",
		ResultRoot:         "body",
		ResultContainer:    ".distTableContent",
	}
}

// Portal is a scripted cause-list page. Configure the exported fields before use;
// they are read under the portal's lock afterwards.
type Portal struct {
	Layout Layout
	// Tree maps a "/"-joined parent path to the options offered under it. "" is the root level.
	Tree map[string][]schemas.HierarchyOption
	// RepopulateAfter is how many WaitUntil checks pass before a dependent level fills. Never blocks it.
	RepopulateAfter int
	// Dates offered by the picker, as YYYY-MM-DD.
	Dates []string
	// ResultsAfter is how many WaitUntil checks after submit pass before results render. Never blocks it.
	ResultsAfter int
	// ResultHTML is the markup placed inside <body> once results render.
	ResultHTML string
	// Containers is how many result containers the page reports once results render.
	Containers int
	// NavigateErr makes Navigate fail.
	NavigateErr error
	// HideCaptcha removes the challenge image and input.
	HideCaptcha bool
	// BeforeAction runs before every Automation call with the operation name.
	BeforeAction func(op string)

	mu         sync.Mutex
	navigated  bool
	selected   []string
	populated  map[int][]schemas.HierarchyOption
	pending    map[int]int // level -> remaining ticks
	pickerOpen bool
	date       string
	caseType   schemas.CaseType
	typed      string
	submitted  bool
	resultWait int
	shown      bool
	closes     int
	ops        []string
}

var _ schemas.Automation = (*Portal)(nil)

// New returns a portal with the default layout and immediate repopulation.
func New(tree map[string][]schemas.HierarchyOption) *Portal {
	return &Portal{
		Layout:     DefaultLayout(),
		Tree:       tree,
		Dates:      []string{"2025-10-16"},
		Containers: 1,
	}
}

// Closes reports how many times Close was called.
func (p *Portal) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Ops returns the recorded operation log.
func (p *Portal) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// Selected returns the value chosen on each level so far.
func (p *Portal) Selected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.selected...)
}

// Typed returns the text entered into the challenge input.
func (p *Portal) Typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed
}

// Submitted reports whether the search was submitted, and with which date and case type.
func (p *Portal) Submitted() (bool, string, schemas.CaseType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted, p.date, p.caseType
}

func (p *Portal) enter(op string) {
	if p.BeforeAction != nil {
		p.BeforeAction(op)
	}
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *Portal) Navigate(ctx context.Context, url string) error {
	p.enter("navigate")
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return fmt.Errorf("%w: %v", schemas.ErrEnvironment, p.NavigateErr)
	}
	p.navigated = true
	p.selected = make([]string, len(p.Layout.Levels))
	p.populated = map[int][]schemas.HierarchyOption{0: p.Tree[""]}
	p.pending = map[int]int{}
	return nil
}

type element struct {
	handle schemas.ElementHandle
	text   string
	attrs  map[string]string
}

// elementsLocked lists what is currently on the page, by selector.
func (p *Portal) elementsLocked(selector string) []element {
	if !p.navigated {
		return nil
	}
	l := p.Layout
	one := func(id int64, text string, attrs map[string]string) []element {
		return []element{{handle: schemas.ElementHandle{ID: id, Selector: selector}, text: text, attrs: attrs}}
	}

	for level, sel := range l.Levels {
		opts, ok := p.populated[level]
		switch selector {
		case sel:
			return one(idLevelBase+int64(level), "", nil)
		case sel + " option":
			out := []element{{
				handle: schemas.ElementHandle{ID: idOptionBase + int64(level)*idOptionBlock, Selector: selector},
				text:   "Select",
				attrs:  map[string]string{"value": ""},
			}}
			if !ok {
				return out
			}
			for i, o := range opts {
				out = append(out, element{
					handle: schemas.ElementHandle{ID: idOptionBase + int64(level)*idOptionBlock + int64(i) + 1, Selector: selector},
					text:   "  " + o.Name + " ",
					attrs:  map[string]string{"value": o.Code},
				})
			}
			return out
		}
	}

	switch selector {
	case l.DatePicker:
		return one(idDatePicker, "", nil)
	case l.Civil:
		return one(idCivil, "", nil)
	case l.Criminal:
		return one(idCriminal, "", nil)
	case l.Submit:
		return one(idSubmit, "Search", nil)
	case l.ResultRoot:
		return one(idBody, "", nil)
	case l.CaptchaImage:
		if !p.HideCaptcha {
			return one(idCaptchaImg, "", map[string]string{"src": "/captcha.png"})
		}
	case l.CaptchaInput:
		if !p.HideCaptcha {
			return one(idCaptchaIn, "", nil)
		}
	case l.ResultContainer:
		if !p.shown {
			return nil
		}
		out := make([]element, 0, p.Containers)
		for i := 0; i < p.Containers; i++ {
			out = append(out, element{handle: schemas.ElementHandle{ID: idContainer + int64(i), Selector: selector}})
		}
		return out
	}

	if p.pickerOpen {
		for _, d := range p.Dates {
			if selector == fmt.Sprintf(l.DateButtonTemplate, d) {
				return one(idDateButton, d, map[string]string{"data-date": d})
			}
		}
	}
	return nil
}

func (p *Portal) findByIDLocked(id int64) (element, int, bool) {
	candidates := []string{p.Layout.DatePicker, p.Layout.Civil, p.Layout.Criminal, p.Layout.Submit,
		p.Layout.ResultRoot, p.Layout.CaptchaImage, p.Layout.CaptchaInput}
	for _, sel := range p.Layout.Levels {
		candidates = append(candidates, sel, sel+" option")
	}
	if p.pickerOpen {
		for _, d := range p.Dates {
			candidates = append(candidates, fmt.Sprintf(p.Layout.DateButtonTemplate, d))
		}
	}
	for _, sel := range candidates {
		for _, el := range p.elementsLocked(sel) {
			if el.handle.ID == id {
				return el, levelOf(id), true
			}
		}
	}
	return element{}, -1, false
}

func levelOf(id int64) int {
	if id >= idLevelBase && id < idLevelBase+100 {
		return int(id - idLevelBase)
	}
	return -1
}

func (p *Portal) FindElement(ctx context.Context, selector string) (schemas.Lookup, error) {
	els, err := p.FindElements(ctx, selector)
	if err != nil || len(els) == 0 {
		return schemas.NotFound, err
	}
	return schemas.Lookup{Handle: els[0], Found: true}, nil
}

func (p *Portal) FindElements(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	p.enter("find:" + selector)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	els := p.elementsLocked(selector)
	out := make([]schemas.ElementHandle, 0, len(els))
	for _, el := range els {
		out = append(out, el.handle)
	}
	return out, nil
}

func (p *Portal) SelectOption(ctx context.Context, el schemas.ElementHandle, value string) error {
	p.enter("select:" + value)
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	level := levelOf(el.ID)
	if level < 0 {
		return fmt.Errorf("%w: element %d is not a select", schemas.ErrElementNotFound, el.ID)
	}
	known := false
	for _, o := range p.populated[level] {
		if o.Code == value {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: option %q", schemas.ErrElementNotFound, value)
	}

	p.selected[level] = value
	for deeper := level + 1; deeper < len(p.Layout.Levels); deeper++ {
		p.selected[deeper] = ""
		delete(p.populated, deeper)
		delete(p.pending, deeper)
	}
	if level+1 < len(p.Layout.Levels) {
		p.pending[level+1] = p.RepopulateAfter
		p.advanceLocked()
	}
	return nil
}

// advanceLocked fires delayed events whose countdown reached zero.
func (p *Portal) advanceLocked() {
	for level, remaining := range p.pending {
		if remaining == 0 {
			key := strings.Join(p.selected[:level], "/")
			p.populated[level] = p.Tree[key]
			delete(p.pending, level)
		}
	}
	if p.submitted && !p.shown && p.resultWait == 0 {
		p.shown = true
	}
}

func (p *Portal) tickLocked() {
	for level, remaining := range p.pending {
		if remaining > 0 {
			p.pending[level] = remaining - 1
		}
	}
	if p.submitted && p.resultWait > 0 {
		p.resultWait--
	}
	p.advanceLocked()
}

func (p *Portal) Click(ctx context.Context, el schemas.ElementHandle) error {
	p.enter(fmt.Sprintf("click:%d", el.ID))
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch el.ID {
	case idDatePicker:
		p.pickerOpen = true
	case idDateButton:
		for _, d := range p.Dates {
			if el.Selector == fmt.Sprintf(p.Layout.DateButtonTemplate, d) {
				p.date = d
			}
		}
		p.pickerOpen = false
	case idCivil:
		p.caseType = schemas.CaseTypeCivil
	case idCriminal:
		p.caseType = schemas.CaseTypeCriminal
	case idSubmit:
		p.submitted = true
		p.resultWait = p.ResultsAfter
		p.advanceLocked()
	default:
		return fmt.Errorf("%w: element %d is not clickable", schemas.ErrElementNotFound, el.ID)
	}
	return nil
}

func (p *Portal) TypeText(ctx context.Context, el schemas.ElementHandle, text string) error {
	p.enter("type")
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.ID != idCaptchaIn {
		return fmt.Errorf("%w: element %d is not an input", schemas.ErrElementNotFound, el.ID)
	}
	p.typed = text
	return nil
}

func (p *Portal) ReadText(ctx context.Context, el schemas.ElementHandle) (string, error) {
	p.enter("text")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	found, _, ok := p.findByIDLocked(el.ID)
	if !ok {
		return "", fmt.Errorf("%w: stale element %d", schemas.ErrEnvironment, el.ID)
	}
	return found.text, nil
}

func (p *Portal) ReadAttribute(ctx context.Context, el schemas.ElementHandle, name string) (string, bool, error) {
	p.enter("attr:" + name)
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	found, _, ok := p.findByIDLocked(el.ID)
	if !ok {
		return "", false, fmt.Errorf("%w: stale element %d", schemas.ErrEnvironment, el.ID)
	}
	v, has := found.attrs[name]
	return v, has, nil
}

func (p *Portal) OuterHTML(ctx context.Context, el schemas.ElementHandle) (string, error) {
	p.enter("html")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.ID != idBody {
		return "", fmt.Errorf("%w: no markup for element %d", schemas.ErrElementNotFound, el.ID)
	}
	if !p.shown {
		return "<body></body>", nil
	}
	return "<body>" + p.ResultHTML + "</body>", nil
}

func (p *Portal) Screenshot(ctx context.Context, el schemas.ElementHandle) ([]byte, error) {
	p.enter("screenshot")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if el.ID != idCaptchaImg {
		return nil, fmt.Errorf("%w: element %d is not an image", schemas.ErrElementNotFound, el.ID)
	}
	return []byte("\x89PNG-captcha"), nil
}

// WaitUntil checks pred and advances delayed events between checks. It never sleeps.
func (p *Portal) WaitUntil(ctx context.Context, pred schemas.Predicate, _ time.Duration) error {
	p.enter("wait")
	for i := 0; i < maxWaitTicks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		p.mu.Lock()
		p.tickLocked()
		p.mu.Unlock()
	}
	return schemas.ErrWaitTimeout
}

func (p *Portal) Close(context.Context) error {
	p.enter("close")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Provider hands out portals built by Factory and remembers them.
type Provider struct {
	Factory    func() *Portal
	AcquireErr error

	mu     sync.Mutex
	issued []*Portal
}

var _ schemas.AutomationProvider = (*Provider)(nil)

func (p *Provider) Acquire(ctx context.Context) (schemas.Automation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	portal := p.Factory()
	p.mu.Lock()
	p.issued = append(p.issued, portal)
	p.mu.Unlock()
	return portal, nil
}

// Issued returns every portal handed out so far.
func (p *Provider) Issued() []*Portal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Portal(nil), p.issued...)
}
