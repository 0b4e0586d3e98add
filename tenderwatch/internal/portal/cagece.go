package portal

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

const cageceHome = "https://s2gpr.sefaz.ce.gov.br/licita-web/paginas/licita/PublicacaoList.seam"

const (
	cageceOrganization = "COMPANHIA DE AGUA E ESGOTO DO CEARA"
	cageceNature       = "EQUIPAMENTOS E MATERIAL PERMANENTE"

	cageceSearchWait   = 30 * time.Second
	cageceDownloadWait = 60 * time.Second
	cageceAjaxSettle   = 1500 * time.Millisecond
)

var (
	cageceOrgSelect    = browser.CSS(`select[id="formularioDeCrud:promotorCotacaoDecoration:promotorLicitacao"]`)
	cageceNatureSelect = browser.CSS(`select[id="formularioDeCrud:naturezaAquisicaoDecoration:naturezaAquisicao"]`)
	cageceObject       = []browser.Locator{
		browser.CSS(`[id="formularioDeCrud:objetoContratacaoDecoration:objetoContratacao"]`),
		browser.CSS(`#formularioDeCrud textarea`),
	}
	cageceDateInput  = browser.CSS(`input[id="formularioDeCrud:inicioAcolhimentoDecoration:inicioAcolhimentoPropostasInputDate"]`)
	cageceDateButton = browser.CSS(`[id="formularioDeCrud:inicioAcolhimentoDecoration:inicioAcolhimentoPropostasPopupButton"]`)
	cageceSearch     = []browser.Locator{
		browser.CSS(`input[id="formularioDeCrud:pesquisar"]`),
		browser.CSS(`input[value="Pesquisar"]`),
	}
	cageceResults   = browser.CSS(`table[id="formularioDeCrud:pagedDataTable"]`)
	cageceRowSel    = browser.CSS(cageceRows)
	cageceVisualize = browser.CSS(`input[value="Visualizar"]:not([disabled])`)
	cageceNextPage  = browser.CSS(`td.rich-datascr-button[onclick*="next"]`)
	cageceReturn    = []browser.Locator{
		browser.CSS(`input[value="Retornar para Pesquisa"]`),
		browser.CSS(`input.retornarPesquisa`),
	}

	cageceCalPopup  = `table.rich-calendar-popup[style*="z-index"]`
	cageceCalHeader = browser.CSS(cageceCalPopup + ` td.rich-calendar-header`)
	cageceCalPrevY  = browser.CSS(cageceCalPopup + ` div[onclick*="prevYear"]`)
	cageceCalNextY  = browser.CSS(cageceCalPopup + ` div[onclick*="nextYear"]`)
	cageceCalPrevM  = browser.CSS(cageceCalPopup + ` div[onclick*="prevMonth"]`)
	cageceCalNextM  = browser.CSS(cageceCalPopup + ` div[onclick*="nextMonth"]`)
	cageceCalApply  = browser.Text(cageceCalPopup+` div.rich-calendar-tool-btn`, `apply|aplicar`)
)

// cageceDocTables are tried in order; the first present table lists the
// downloadable documents.
var cageceDocTables = []string{
	`table[id="formularioDeCrud:docTermoListAction"]`,
	`table[id="formularioDeCrud:arquivoProcessoTable"]`,
	`table[id*="docTermoListAction"]`,
	`table[id*="arquivoProcessoTable"]`,
	`div[id="formularioDeCrud:docTermoParticipacao"] table`,
	`div[id="formularioDeCrud:documentos"] table`,
	`table[id*="formularioDeCrud"][id*="List"]`,
	`div.tabelas table`,
}

var cageceDownloadFallbacks = []browser.Locator{
	browser.CSS(`input[value="Download"]`),
	browser.CSS(`input[value="Baixar"]`),
	browser.CSS(`div[id="formularioDeCrud:grupoButtonsInf"] input`),
	browser.CSS(`div.actionButtons input[type="submit"]`),
	browser.CSS(`input[id*="download"]`),
}

// cagece drives the Ceará state procurement system (JSF/RichFaces).
type cagece struct {
	base
}

func newCAGECE(ctx context.Context, env Env) (engine.Portal, error) {
	return &cagece{base: newBase("CAGECE", env.Home, env.Session, env.Logger)}, nil
}

// Split runs one server-side search per keyword.
func (p *cagece) Split(q engine.Query) []engine.Query { return perKeyword(q) }

// Match accepts every row: the portal already filtered by object.
func (p *cagece) Match(c engine.Candidate, q engine.Query) bool { return true }

func (p *cagece) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	t := p.tab
	if err := t.Navigate(ctx, p.home, browser.WaitPolicy{Stable: time.Second, Ready: []browser.Locator{cageceOrgSelect}}); err != nil {
		return nil, err
	}
	timeout := p.sess.Config().ActionTimeout
	for _, f := range []struct {
		loc   browser.Locator
		label string
	}{{cageceOrgSelect, cageceOrganization}, {cageceNatureSelect, cageceNature}} {
		el, err := t.Find(ctx, timeout, f.loc)
		if err != nil {
			return nil, fmt.Errorf("portal: cagece search form: %w", err)
		}
		if err := t.Select(ctx, el, f.label); err != nil {
			return nil, err
		}
		t.WaitStable(ctx, cageceAjaxSettle)
	}
	if err := p.setStartDate(ctx, time.Date(targetYear(q), time.January, 1, 0, 0, 0, 0, time.Local)); err != nil {
		p.log.Warn("portal: cagece start date not set", "error", err)
	}
	if kw := firstKeyword(q); kw != "" {
		el, err := t.Find(ctx, timeout, cageceObject...)
		if err != nil {
			return nil, fmt.Errorf("portal: cagece object field: %w", err)
		}
		if err := t.Fill(ctx, el, kw); err != nil {
			return nil, err
		}
	}
	if err := t.ClickFirst(ctx, timeout, cageceSearch...); err != nil {
		return nil, fmt.Errorf("portal: cagece search: %w", err)
	}
	t.WaitStable(ctx, cageceAjaxSettle)
	if _, err := t.Find(ctx, cageceSearchWait, cageceResults); err != nil {
		p.log.Info("portal: cagece search returned no table", "keyword", firstKeyword(q))
	}
	return &cageceListing{p: p, total: -1}, nil
}

// setStartDate types the date, falling back to the calendar popup.
func (p *cagece) setStartDate(ctx context.Context, day time.Time) error {
	t := p.tab
	timeout := p.sess.Config().ActionTimeout
	want := day.Format("02/01/2006")
	el, err := t.Find(ctx, timeout, cageceDateInput)
	if err == nil {
		if err = t.Fill(ctx, el, want); err == nil {
			if v, verr := el.Property("value"); verr == nil && v.Str() == want {
				return nil
			}
		}
	}
	p.log.Debug("portal: cagece date typing rejected, using calendar", "error", err)
	return p.pickCalendar(ctx, day)
}

func (p *cagece) pickCalendar(ctx context.Context, day time.Time) error {
	t := p.tab
	timeout := p.sess.Config().ActionTimeout
	if err := t.ClickFirst(ctx, timeout, cageceDateButton); err != nil {
		return err
	}
	header := func() (time.Month, int, error) {
		el, err := t.Find(ctx, timeout, cageceCalHeader)
		if err != nil {
			return 0, 0, err
		}
		txt, err := el.Text()
		if err != nil {
			return 0, 0, err
		}
		return parseCalendarHeader(txt)
	}
	_, year, err := header()
	if err != nil {
		return err
	}
	for i := 0; year != day.Year() && i < 20; i++ {
		step := cageceCalPrevY
		if year < day.Year() {
			step = cageceCalNextY
		}
		if err := t.ClickFirst(ctx, timeout, step); err != nil {
			return err
		}
		if _, year, err = header(); err != nil {
			return err
		}
	}
	month, _, err := header()
	if err != nil {
		return err
	}
	diff := int(month) - int(day.Month())
	step := cageceCalPrevM
	if diff < 0 {
		step, diff = cageceCalNextM, -diff
	}
	for i := 0; i < diff; i++ {
		if err := t.ClickFirst(ctx, timeout, step); err != nil {
			return err
		}
	}
	cell := browser.Text(cageceCalPopup+` td.rich-calendar-cell:not(.rich-calendar-boundary-dates)`, `^\s*`+strconv.Itoa(day.Day())+`\s*$`)
	if err := t.ClickFirst(ctx, timeout, cell); err != nil {
		return err
	}
	if t.Has(ctx, cageceCalApply) {
		return t.ClickFirst(ctx, timeout, cageceCalApply)
	}
	return nil
}

var (
	ptMonths = []string{"janeiro", "fevereiro", "março", "abril", "maio", "junho",
		"julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}
	calendarYear = regexp.MustCompile(`\b(\d{4})\b`)
)

// parseCalendarHeader reads the month and year of a RichFaces calendar
// header such as "<< < abril 2025 > >>".
func parseCalendarHeader(s string) (time.Month, int, error) {
	l := strings.ToLower(s)
	m := calendarYear.FindStringSubmatch(l)
	if m == nil {
		return 0, 0, fmt.Errorf("portal: calendar header %q: no year", s)
	}
	year, _ := strconv.Atoi(m[1])
	for i, name := range ptMonths {
		if strings.Contains(l, name) {
			return time.Month(i + 1), year, nil
		}
	}
	return 0, 0, fmt.Errorf("portal: calendar header %q: no month", s)
}

func (p *cagece) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	t := p.tab
	timeout := p.sess.Config().ActionTimeout
	row, err := nth(ctx, t, timeout, job.Candidate.Index, cageceRowSel)
	if err != nil {
		return nil, err
	}
	imgs, err := row.Elements(`td.primeiraColuna img[style*="cursor:pointer"]`)
	if err != nil || len(imgs) == 0 {
		return nil, fmt.Errorf("%w: cagece row radio", browser.ErrNotFound)
	}
	if err := t.Click(ctx, imgs[0]); err != nil {
		return nil, err
	}
	job.Touch()
	if err := t.ClickFirst(ctx, cageceSearchWait, cageceVisualize); err != nil {
		return nil, fmt.Errorf("portal: cagece open detail: %w", err)
	}
	ready := append(append([]browser.Locator{}, cageceReturn...), browser.CSS(strings.Join(cageceDocTables, ", ")))
	if _, _, err := t.FindAll(ctx, p.sess.Config().NavigationTimeout, ready...); err != nil {
		return nil, fmt.Errorf("portal: cagece detail: %w", err)
	}
	t.WaitStable(ctx, cageceAjaxSettle)
	job.Touch()
	job.SetSourceURL(t.URL())

	table := ""
	for _, sel := range cageceDocTables {
		if t.Has(ctx, browser.CSS(sel)) {
			table = sel
			break
		}
	}
	if table == "" {
		job.Log.Info("portal: cagece detail lists no document table")
		return nil, engine.ErrNoAttachments
	}
	html, err := t.HTML(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := parseCAGECEDocs(html, table)
	if err != nil {
		return nil, err
	}
	arquivo := strings.Contains(table, "arquivoProcessoTable")
	primary := browser.CSS(`input[id="formularioDeCrud:downloadButtonInf"]`)
	if arquivo {
		primary = browser.CSS(`div[id="formularioDeCrud:download"] input[value="Baixar"]`)
	}
	buttons := append([]browser.Locator{primary}, cageceDownloadFallbacks...)

	c := collect{log: job.Log}
	rows := browser.CSS(table + ` tbody > tr`)
	for _, d := range docs {
		if !job.Claim(d.Name) {
			continue
		}
		radio, err := p.docRadio(ctx, rows, d.Index)
		if err != nil {
			if cerr := c.add(ctx, d.Name, engine.Attachment{}, err); cerr != nil {
				return nil, cerr
			}
			continue
		}
		if err := t.Click(ctx, radio); err != nil {
			if cerr := c.add(ctx, d.Name, engine.Attachment{}, err); cerr != nil {
				return nil, cerr
			}
			continue
		}
		t.WaitStable(ctx, cageceAjaxSettle)
		a, err := p.download(ctx, job, cageceDownloadWait, d.Name, func() error {
			return t.ClickFirst(ctx, timeout, buttons...)
		})
		if cerr := c.add(ctx, d.Name, a, err); cerr != nil {
			return nil, cerr
		}
		if arquivo {
			// The arquivo table keeps a row selected across clicks.
			if radio, err := p.docRadio(ctx, rows, d.Index); err == nil {
				if err := t.Click(ctx, radio); err != nil {
					job.Log.Debug("portal: cagece deselect", "error", err)
				}
				t.WaitStable(ctx, cageceAjaxSettle)
			}
		}
	}
	return c.result()
}

func (p *cagece) docRadio(ctx context.Context, rows browser.Locator, index int) (*rod.Element, error) {
	row, err := nth(ctx, p.tab, p.sess.Config().ActionTimeout, index, rows)
	if err != nil {
		return nil, err
	}
	imgs, err := row.Elements(`td:nth-child(1) img`)
	if err != nil || len(imgs) == 0 {
		return nil, fmt.Errorf("%w: document radio %d", browser.ErrNotFound, index)
	}
	return imgs[0], nil
}

type cageceListing struct {
	p     *cagece
	total int
}

func (l *cageceListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	if l.total < 0 {
		l.total = parseCAGECETotal(html)
	}
	return parseCAGECERows(html, l.p.home)
}

func (l *cageceListing) Total() int { return l.total }

func (l *cageceListing) Next(ctx context.Context) (bool, error) {
	t := l.p.tab
	if !t.Has(ctx, cageceNextPage) {
		return false, nil
	}
	if err := t.ClickFirst(ctx, l.p.sess.Config().ActionTimeout, cageceNextPage); err != nil {
		return false, err
	}
	t.WaitStable(ctx, cageceAjaxSettle)
	return true, nil
}

// Return goes back to the result list: the return button, else history.
func (l *cageceListing) Return(ctx context.Context) error {
	t := l.p.tab
	timeout := l.p.sess.Config().ActionTimeout
	if err := t.ClickFirst(ctx, timeout, cageceReturn...); err == nil {
		if _, err := t.Find(ctx, cageceSearchWait, cageceResults); err == nil {
			t.WaitStable(ctx, cageceAjaxSettle)
			return nil
		}
	}
	if err := t.Back(ctx); err != nil {
		return err
	}
	if _, err := t.Find(ctx, cageceSearchWait, cageceResults); err != nil {
		return fmt.Errorf("portal: cagece return: %w", err)
	}
	return nil
}
