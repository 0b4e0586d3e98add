package portal

import (
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

// Pure parsers over DOM snapshots. Live adapters read Tab.HTML and hand the
// result here, so row extraction is testable without a browser.

func parseDoc(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("portal: parse html: %w", err)
	}
	return doc, nil
}

// squash collapses whitespace runs and trims.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func text(s *goquery.Selection) string {
	return squash(s.Text())
}

// rowText joins the cell texts of a table row with single spaces. Text()
// on the row itself concatenates adjacent cells, gluing numbers together.
func rowText(tr *goquery.Selection) string {
	cells := tr.Find("td").Map(func(_ int, td *goquery.Selection) string { return text(td) })
	if len(cells) == 0 {
		return text(tr)
	}
	return squash(strings.Join(cells, " "))
}

// link is a document reference found on a detail page.
type link struct {
	Name string
	URL  string
	Href string // attribute value as written in the page
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// ---- CAGECE ----

const (
	cagecePager = `span[id="formularioDeCrud:outputNumeracaoInferior"]`
	cageceRows  = `table[id="formularioDeCrud:pagedDataTable"] > tbody > tr:not(.rich-table-header):not(.rich-table-footer)`
)

var (
	cagecePublication = regexp.MustCompile(`\b(20\d{2}/\d{5})\b`)
	cagecePortalID    = regexp.MustCompile(`\b(\d{16})\b`)
	cageceTotal       = regexp.MustCompile(`de\s+(\d+)`)
)

// publicationID extracts a CAGECE row id: the YYYY/NNNNN publication
// number, else the 16-digit process number. Empty when neither is present.
func publicationID(s string) string {
	if m := cagecePublication.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := cagecePortalID.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func parseCAGECERows(html, home string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(cageceRows).Each(func(i int, tr *goquery.Selection) {
		if tr.Find("td").Length() < 2 {
			return
		}
		out = append(out, engine.Candidate{
			ID:    publicationID(rowText(tr)),
			Title: text(tr.Find("td:nth-child(2)").First()),
			Index: i,
			URL:   home,
		})
	})
	return out, nil
}

// parseCAGECETotal reads the declared result count from the pager label,
// or -1 when the label is absent.
func parseCAGECETotal(html string) int {
	doc, err := parseDoc(html)
	if err != nil {
		return -1
	}
	m := cageceTotal.FindStringSubmatch(text(doc.Find(cagecePager).First()))
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// docRow is one row of a CAGECE attachment table.
type docRow struct {
	Index int
	Name  string
}

// parseCAGECEDocs lists the data rows of the attachment table matched by
// table. Rows without a selectable radio image are skipped.
func parseCAGECEDocs(html, table string) ([]docRow, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []docRow
	doc.Find(table).First().Find("tbody > tr").Each(func(i int, tr *goquery.Selection) {
		if tr.Find("td:nth-child(1) img").Length() == 0 {
			return
		}
		name := text(tr.Find("td:nth-child(2)").First())
		if name == "" {
			return
		}
		out = append(out, docRow{Index: i, Name: name})
	})
	return out, nil
}

// ---- CESAN ----

const (
	cesanRows  = `fieldset.formulario div.content3 table.rTableLicitacao tbody tr`
	cesanLink  = `a[href*="viewLicitacao.php?idLicitacao="]`
	cesanDocEx = `a[href$=".pdf"], a[href$=".zip"], a[href$=".rar"], a[href$=".doc"], a[href$=".docx"], a[href$=".xls"], a[href$=".xlsx"]`
)

var cesanProcess = regexp.MustCompile(`([A-Z\sÇÃÔ]+?\s*-\s*[A-Z]+\s+\d+/\d{4})`)

// cesanID derives the process id from the link caption.
func cesanID(caption string) string {
	if m := cesanProcess.FindString(caption); m != "" {
		return squash(strings.ReplaceAll(m, " - ", " "))
	}
	return squash(caption)
}

func parseCESANRows(html, page string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(cesanRows).Each(func(i int, tr *goquery.Selection) {
		a := tr.Find(cesanLink).First()
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		caption := text(a.Find("strong").First())
		if caption == "" {
			return
		}
		title := text(tr.Find("label.titulo").First())
		if title == "" {
			title = caption
		}
		out = append(out, engine.Candidate{
			ID:    cesanID(caption),
			Title: title,
			Ref:   resolve(page, href),
			URL:   resolve(page, href),
			Index: i,
			Extra: map[string]string{
				"date": text(tr.Find("label.custom-label strong").First()),
				"text": rowText(tr),
			},
		})
	})
	return out, nil
}

// parseCESANDocs returns the document links of the "Lista de Documentos"
// table, in page order and without duplicates.
func parseCESANDocs(html, page string) ([]link, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var table *goquery.Selection
	doc.Find("strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(text(s), "Lista de Documentos") {
			table = s.Closest("table")
			return false
		}
		return true
	})
	if table == nil || table.Length() == 0 {
		return nil, nil
	}
	var out []link
	seen := make(map[string]bool)
	table.Find(cesanDocEx).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u := resolve(page, href)
		if seen[u] {
			return
		}
		seen[u] = true
		name := text(a)
		if name == "" {
			name = lastSegment(u)
		}
		out = append(out, link{Name: name, URL: u, Href: href})
	})
	return out, nil
}

func lastSegment(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return u
	}
	seg := p.Path
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if s, err := url.PathUnescape(seg); err == nil {
		seg = s
	}
	return seg
}

// ---- SANEPAR ----

const (
	saneparRows     = `#GridView1 tr.tabPar, #GridView1 tr.tabImpar`
	saneparRadios   = `#wrdb_anexos input[type="radio"]`
	saneparLotTable = `#ItensDoProcesso`
)

var (
	saneparNumpro = regexp.MustCompile(`numpro=(\d+)`)
	saneparLot    = regexp.MustCompile(`LOTE\s*(\d+)`)
)

func parseSANEPARRows(html, page string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(saneparRows).Each(func(i int, tr *goquery.Selection) {
		cells := tr.Children().Filter("td")
		if cells.Length() < 4 {
			return
		}
		href, _ := cells.Eq(0).Find("a").First().Attr("href")
		m := saneparNumpro.FindStringSubmatch(href)
		if m == nil {
			return
		}
		out = append(out, engine.Candidate{
			ID:    m[1],
			Title: text(cells.Eq(1)),
			Ref:   resolve(page, href),
			URL:   resolve(page, href),
			Index: i,
		})
	})
	return out, nil
}

// parseHiddenFields returns the values of the named hidden inputs. Missing
// fields are reported as absent, not as empty strings.
func parseHiddenFields(html string, names ...string) (map[string]string, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		in := doc.Find(`input[id="` + n + `"], input[name="` + n + `"]`).First()
		if v, ok := in.Attr("value"); ok {
			out[n] = v
		}
	}
	return out, nil
}

// radio is one attachment option of a WebForms radio list.
type radio struct {
	Value string
	Label string
}

func parseSANEPARAttachments(html string) ([]radio, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []radio
	doc.Find(saneparRadios).Each(func(i int, in *goquery.Selection) {
		v, ok := in.Attr("value")
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		label := text(in.Next())
		if label == "" {
			label = "anexo_" + strconv.Itoa(i+1)
		}
		out = append(out, radio{Value: v, Label: label})
	})
	return out, nil
}

// Lot groups the items of one SANEPAR lot.
type Lot struct {
	Number string
	Items  []LotItem
}

// LotItem is one line of a lot table.
type LotItem struct {
	Item        string
	Description string
	Quantity    string
	Unit        string
}

// parseSANEPARLots reads the items table of a SANEPAR detail page. Items
// listed before any lot header are grouped under an unnamed lot.
func parseSANEPARLots(html string) ([]Lot, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var (
		lots []Lot
		cur  *Lot
	)
	doc.Find(saneparLotTable + " tr").Each(func(_ int, tr *goquery.Selection) {
		if hdr := tr.Find(`td.cabecalho_gridView[colspan="4"]`); hdr.Length() > 0 {
			if m := saneparLot.FindStringSubmatch(text(hdr)); m != nil {
				lots = append(lots, Lot{Number: m[1]})
				cur = &lots[len(lots)-1]
			}
			return
		}
		cells := tr.Children().Filter("td")
		if cells.Length() != 4 {
			return
		}
		if style, _ := tr.Attr("style"); strings.Contains(strings.ReplaceAll(style, " ", ""), "font-size:8px") {
			return
		}
		it := LotItem{
			Item:        text(cells.Eq(0)),
			Description: text(cells.Eq(1)),
			Quantity:    text(cells.Eq(2)),
			Unit:        text(cells.Eq(3)),
		}
		if it.Item == "" && it.Description == "" {
			return
		}
		if cur == nil {
			lots = append(lots, Lot{})
			cur = &lots[len(lots)-1]
		}
		cur.Items = append(cur.Items, it)
	})
	return lots, nil
}

// ---- COPASA ----

const (
	copasaTable   = `div[id$="ViewContentSearchList--table-tableCCnt"]`
	copasaRows    = copasaTable + ` tr.sapUiTableContentRow:not(.sapUiTableRowHidden)`
	copasaContent = `div[id$="--idIconTabBarMulti-content"]`
	copasaAnexos  = copasaContent + ` div.sapMFlexBox a.sapMLnk[href]`
	copasaEmpty   = copasaContent + ` div.sapUiTableCtrlEmpty`
)

func parseCOPASARows(html, page string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(copasaRows).Each(func(i int, tr *goquery.Selection) {
		id := text(tr.Find(`td[data-sap-ui-colid*="numeroProcessoId"] a.sapMLnk`).First())
		if id == "" {
			return
		}
		objeto := text(tr.Find(`td[data-sap-ui-colid*="objetoId"]`).First())
		out = append(out, engine.Candidate{
			ID:    id,
			Title: objeto,
			Index: i,
			URL:   page,
			Label: labelFragment(objeto),
			Extra: map[string]string{"stage": text(tr.Find(`td[data-sap-ui-colid*="estagioId"]`).First())},
		})
	})
	return out, nil
}

// parseCOPASAAttachments returns the Anexos links of a detail view. none is
// true when the view states that the process has no attachments.
func parseCOPASAAttachments(html, page string) (links []link, none bool, err error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, false, err
	}
	if doc.Find(copasaEmpty).Length() > 0 {
		return nil, true, nil
	}
	doc.Find(copasaContent + " span.sapMText").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(text(s), "Nenhum anexo encontrado") {
			none = true
			return false
		}
		return true
	})
	if none {
		return nil, true, nil
	}
	doc.Find(copasaAnexos).Each(func(i int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if strings.TrimSpace(href) == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		name := text(a)
		if name == "" {
			name = "anexo_" + strconv.Itoa(i+1)
		}
		links = append(links, link{Name: name, URL: resolve(page, href), Href: href})
	})
	return links, false, nil
}

// copasaPDF reports whether a request URL carries the materials PDF.
func copasaPDF(u string) bool {
	l := strings.ToLower(u)
	switch {
	case strings.Contains(l, "sap/bc/pagina/zsrm_viewpdf"):
		return true
	case strings.Contains(l, "sap/opu/odata") && strings.Contains(l, "$value"):
		return true
	}
	if !strings.Contains(l, "docserver") && !strings.HasSuffix(l, ".pdf") {
		return false
	}
	for _, ext := range []string{".js", ".css", ".woff", ".woff2", ".png", ".jpg", ".jpeg", ".gif"} {
		if strings.HasSuffix(l, ext) {
			return false
		}
	}
	return true
}

// ---- COMPESA ----

const (
	avisoItems = `[role="listitem"]`
	acompRows  = `#TAcomp_corpo_2 div.HTMLTableBodyRow`
	acompCells = `div.HTMLTableBodyCell`
)

var avisoProcess = regexp.MustCompile(`LC\s+\d+/\d+\s+[A-Z]+-\d+`)

// parseAvisoItems lists the announcement items carrying a process id.
func parseAvisoItems(html, page string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(avisoItems).Each(func(i int, item *goquery.Selection) {
		all := text(item)
		id := avisoProcess.FindString(all)
		if id == "" {
			return
		}
		out = append(out, engine.Candidate{
			ID:    squash(id),
			Title: all,
			Index: i,
			URL:   page,
			Label: labelFragment(all),
			Extra: map[string]string{"clickable": strconv.FormatBool(item.Find("img").Length() > 0)},
		})
	})
	return out, nil
}

func parseAcompRows(html, page string) ([]engine.Candidate, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []engine.Candidate
	doc.Find(acompRows).Each(func(i int, row *goquery.Selection) {
		cells := row.Find(acompCells)
		if cells.Length() < 4 {
			return
		}
		code := text(cells.Eq(1))
		if code == "" || code == "N/A" {
			return
		}
		title := text(cells.Eq(2))
		if title == "" {
			title = code
		}
		out = append(out, engine.Candidate{
			ID:    code,
			Title: title,
			Index: i,
			URL:   page,
			Extra: map[string]string{"date": text(cells.Eq(3))},
		})
	})
	return out, nil
}

// labelFragment shortens free text into an archive name fragment.
func labelFragment(s string) string {
	s = squash(s)
	r := []rune(s)
	if len(r) > 40 {
		s = strings.TrimSpace(string(r[:40]))
	}
	return s
}

// ---- HTTP responses ----

var dispositionLoose = regexp.MustCompile(`filename="?([^";]+)"?`)

// dispositionFilename extracts the file name of a Content-Disposition
// header, preferring the RFC 5987 filename* form. Empty when absent.
func dispositionFilename(h string) string {
	if strings.TrimSpace(h) == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(h); err == nil {
		if fn := params["filename"]; fn != "" {
			return fn
		}
	}
	if i := strings.Index(strings.ToLower(h), "filename*="); i >= 0 {
		v := strings.Trim(strings.SplitN(h[i+len("filename*="):], ";", 2)[0], `" `)
		if j := strings.Index(v, "''"); j >= 0 {
			v = v[j+2:]
		}
		if s, err := url.PathUnescape(v); err == nil && s != "" {
			return s
		}
	}
	if m := dispositionLoose.FindStringSubmatch(h); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extForContentType guesses a file extension from a response content type.
func extForContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.Contains(ct, "zip"):
		return ".zip"
	case strings.Contains(ct, "officedocument"):
		return ".docx"
	case strings.Contains(ct, "msword"):
		return ".doc"
	default:
		return ".dat"
	}
}

// hasExt reports whether name ends in a plausible file extension. Labels
// such as "Edital 12.2024" do not count.
func hasExt(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if len(ext) == 0 || len(ext) > 4 {
		return false
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return strings.ContainsFunc(ext, unicode.IsLetter)
}
