// Package classify turns rendered page HTML into a closed page-state
// enumeration. All marker heuristics live behind the Classifier
// interface so they can be swapped and tested independently of
// navigation.
package classify

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/use-agent/plexwatch/models"
)

// Classifier maps a rendered HTML document to a page state.
type Classifier interface {
	Classify(html string) models.PageState
}

// challengeTexts are lowercase substrings of page title or body text
// that indicate a bot-verification interstitial.
var challengeTexts = []string{
	"cloudflare",
	"checking your browser",
	"browser is being checked",
	"just a moment",
	"attention required",
	"security check",
	"ddos protection",
	"verify you are human",
	"captcha",
	"rate limited",
}

// challengeSelectors match DOM structure specific to challenge pages.
var challengeSelectors = []string{
	`iframe[src*="challenges"]`,
	`#challenge-form`,
	`#challenge-running`,
	`#cf-wrapper`,
}

// homeSelectors match the authenticated media-server interface:
// the sidebar, library hubs and the user menu.
var homeSelectors = []string{
	`[class*="sidebar"]`,
	`[class*="hub-scroll-list"]`,
	`button[class*="user-menu-button"]`,
	`a[title*="Home"]`,
	`a[title*="Library"]`,
}

// loginSelectors match the sign-in surface.
var loginSelectors = []string{
	`input[type="password"]`,
	`[class*="login-container"]`,
	`[class*="auth-form"]`,
	`[class*="auth-container"]`,
	`form[action*="login"]`,
	`input[type="email"]`,
	`#email`,
	`#username`,
}

// loginButtonTexts are lowercase substrings of button labels that mark
// a sign-in entry point when no form is present yet.
var loginButtonTexts = []string{"sign in", "log in"}

// MarkerClassifier is the default Classifier. Selectors are compiled
// once at construction; Classify itself does no I/O and is safe for
// concurrent use.
type MarkerClassifier struct {
	challenge []cascadia.Selector
	home      []cascadia.Selector
	login     []cascadia.Selector
}

// NewMarkerClassifier compiles the built-in marker selectors.
func NewMarkerClassifier() *MarkerClassifier {
	return &MarkerClassifier{
		challenge: compileAll(challengeSelectors),
		home:      compileAll(homeSelectors),
		login:     compileAll(loginSelectors),
	}
}

func compileAll(selectors []string) []cascadia.Selector {
	matchers := make([]cascadia.Selector, 0, len(selectors))
	for _, s := range selectors {
		matchers = append(matchers, cascadia.MustCompile(s))
	}
	return matchers
}

// Classify inspects the document and returns the first state whose
// markers match, checked in precedence order: a challenge interstitial
// hides everything behind it, and an authenticated page may still
// contain stray "sign in" text, so challenge > home > login.
func (c *MarkerClassifier) Classify(html string) models.PageState {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.PageUnknown
	}

	title := strings.ToLower(doc.Find("title").Text())
	body := strings.ToLower(doc.Find("body").Text())

	for _, pattern := range challengeTexts {
		if strings.Contains(title, pattern) || strings.Contains(body, pattern) {
			return models.PageChallengePage
		}
	}
	if matchesAny(doc, c.challenge) {
		return models.PageChallengePage
	}

	if matchesAny(doc, c.home) {
		return models.PageAuthenticatedHome
	}

	if matchesAny(doc, c.login) {
		return models.PageLoginForm
	}
	loginButton := false
	doc.Find("button, a[role=button]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(sel.Text()))
		for _, want := range loginButtonTexts {
			if strings.Contains(text, want) {
				loginButton = true
				return false
			}
		}
		return true
	})
	if loginButton {
		return models.PageLoginForm
	}

	return models.PageUnknown
}

func matchesAny(doc *goquery.Document, matchers []cascadia.Selector) bool {
	for _, m := range matchers {
		if doc.FindMatcher(m).Length() > 0 {
			return true
		}
	}
	return false
}
