// Package portal holds one adapter per procurement site. Each adapter
// implements engine.Portal on top of a browser session (or, for SANEAGO,
// an external worker); the registry maps company ids to adapters.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

// ErrUnknownCompany is returned by Lookup for ids with no adapter.
var ErrUnknownCompany = errors.New("portal: unknown company id")

// Settings are the per-company options read from configuration.
type Settings struct {
	// URL overrides the adapter's default listing URL.
	URL string
	// BidderCNPJ completes the COMPESA bidder registration form.
	BidderCNPJ string
	// WorkerCommand and WorkerTimeout drive out-of-process adapters.
	WorkerCommand []string
	WorkerTimeout time.Duration
}

// Env is what an adapter constructor receives.
type Env struct {
	engine.Env
	// Session is nil for adapters that do not drive a browser.
	Session  *browser.Session
	Settings Settings
	Home     string
}

// Definition describes one supported company.
type Definition struct {
	CompanyID string
	// Portal is the ledger key and archive prefix.
	Portal  string
	Home    string
	Browser bool

	build func(ctx context.Context, env Env) (engine.Portal, error)
}

var definitions = []Definition{
	{CompanyID: "CAGECE", Portal: "CAGECE", Home: cageceHome, Browser: true, build: newCAGECE},
	{CompanyID: "CESAN", Portal: "CESAN", Home: cesanHome, Browser: true, build: newCESAN},
	{CompanyID: "SANEPAR", Portal: "SANEPAR", Home: saneparHome, Browser: true, build: newSANEPAR},
	{CompanyID: "COPASA", Portal: "COPASA", Home: copasaHome, Browser: true, build: newCOPASA},
	{CompanyID: "COMPESA_AVISO", Portal: "COMPESA", Home: compesaAvisoHome, Browser: true, build: newCompesaAviso},
	{CompanyID: "COMPESA_ACOMP", Portal: "COMPESA", Home: compesaAcompHome, Browser: true, build: newCompesaAcomp},
	{CompanyID: "SANEAGO", Portal: "SANEAGO", Home: saneagoHome, Browser: false, build: newSANEAGO},
}

// Lookup returns the definition of companyID, case-insensitively.
func Lookup(companyID string) (Definition, error) {
	id := strings.ToUpper(strings.TrimSpace(companyID))
	for _, d := range definitions {
		if d.CompanyID == id {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %q", ErrUnknownCompany, companyID)
}

// Definitions lists every supported company, sorted by id.
func Definitions() []Definition {
	out := append([]Definition(nil), definitions...)
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyID < out[j].CompanyID })
	return out
}

// HomeFor returns the listing URL for the given settings.
func (d Definition) HomeFor(set Settings) string {
	if u := strings.TrimSpace(set.URL); u != "" {
		return u
	}
	return d.Home
}

// Opener adapts d to engine.Opener. Browser-driven adapters get a session
// whose downloads land in the run's pdfs directory; the adapter's Close
// shuts it down.
func (d Definition) Opener(bcfg browser.Config, set Settings) engine.Opener {
	return func(ctx context.Context, env engine.Env) (engine.Portal, error) {
		penv := Env{Env: env, Settings: set, Home: d.HomeFor(set)}
		if !d.Browser {
			return d.build(ctx, penv)
		}
		cfg := bcfg
		cfg.DownloadDir = env.Layout.PDFs
		cfg.Logger = env.Logger
		sess, err := browser.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		penv.Session = sess
		p, err := d.build(ctx, penv)
		if err != nil {
			sess.Close()
			return nil, err
		}
		return p, nil
	}
}
