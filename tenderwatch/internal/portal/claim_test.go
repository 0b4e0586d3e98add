package portal

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

func newClaimJob(t *testing.T) *engine.Job {
	t.Helper()
	return engine.NewJob(engine.Candidate{ID: "1"}, t.TempDir(), slog.New(slog.DiscardHandler))
}

func names(links []link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.Name
	}
	return out
}

// adjacent cells must not glue the publication number to the next
// cell's text, or every row falls back to a run-stamped id.
func TestParseCAGECERows_AdjacentCells(t *testing.T) {
	html := `<table id="formularioDeCrud:pagedDataTable"><tbody>
<tr><td>2025/00123</td><td>Aquisição de tubos PEAD</td><td>01/04/2025</td></tr>
<tr><td>0000123400000042</td><td>Hidrômetros</td><td>02/04/2025</td></tr>
</tbody></table>`
	rows, err := parseCAGECERows(html, cageceHome)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ID != "2025/00123" {
		t.Errorf("row 0 id = %q, want 2025/00123", rows[0].ID)
	}
	if rows[1].ID != "0000123400000042" {
		t.Errorf("row 1 id = %q, want 0000123400000042", rows[1].ID)
	}
}

func TestParseCESANRows_TextSeparatesCells(t *testing.T) {
	html := `<fieldset class="formulario"><div class="content3"><table class="rTableLicitacao"><tbody>
<tr><td><a href="viewLicitacao.php?idLicitacao=7"><strong>PREGÃO - SRP 12/2025</strong></a></td><td>tubos</td></tr>
</tbody></table></div></fieldset>`
	rows, err := parseCESANRows(html, cesanHome)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Extra["text"] != "PREGÃO - SRP 12/2025 tubos" {
		t.Fatalf("rows = %+v", rows)
	}
}

// two links showing the same document name yield one download.
func TestCESAN_DuplicateDisplayNames(t *testing.T) {
	html := `<table><tr><td><strong>Lista de Documentos</strong></td></tr>
<tr><td><a href="docs/a/Edital.pdf">Edital.pdf</a></td></tr>
<tr><td><a href="docs/b/Edital.pdf">Edital.pdf</a></td></tr>
<tr><td><a href="docs/Anexo.pdf">Anexo.pdf</a></td></tr>
</table>`
	links, err := parseCESANDocs(html, "https://compras.cesan.com.br/viewLicitacao.php?idLicitacao=1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 3 {
		t.Fatalf("parsed %d links, want 3", len(links))
	}
	got := unclaimed(newClaimJob(t), links)
	if fmt.Sprint(names(got)) != "[Edital.pdf Anexo.pdf]" {
		t.Fatalf("downloads = %v", names(got))
	}
}

func TestCOPASA_DuplicateDisplayNames(t *testing.T) {
	html := `<div id="app--idIconTabBarMulti-content">
<div class="sapMFlexBox"><a class="sapMLnk" href="/sap/opu/odata/anexo('1')/$value">Edital.pdf</a></div>
<div class="sapMFlexBox"><a class="sapMLnk" href="/sap/opu/odata/anexo('2')/$value">Edital.pdf</a></div>
<div class="sapMFlexBox"><a class="sapMLnk" href="/sap/opu/odata/anexo('3')/$value">Anexo.pdf</a></div>
</div>`
	links, _, err := parseCOPASAAttachments(html, "https://compras.copasa.com.br/sm9/")
	if err != nil {
		t.Fatal(err)
	}
	got := unclaimed(newClaimJob(t), links)
	if fmt.Sprint(names(got)) != "[Edital.pdf Anexo.pdf]" {
		t.Fatalf("downloads = %v", names(got))
	}
}

func TestCompesaAviso_DuplicateButtonLabels(t *testing.T) {
	job := newClaimJob(t)
	var clicked []string
	for i, txt := range []string{"DOWNLOAD DO EDITAL", " DOWNLOAD  DO EDITAL ", "DOWNLOAD ANEXO", ""} {
		if label := buttonLabel(txt, i+1); job.Claim(label) {
			clicked = append(clicked, label)
		}
	}
	if fmt.Sprint(clicked) != "[DOWNLOAD DO EDITAL DOWNLOAD ANEXO DOWNLOAD_4]" {
		t.Fatalf("clicked = %q", clicked)
	}
}

func TestDownloadAborted(t *testing.T) {
	if !downloadAborted(fmt.Errorf("wrap: %w", &rod.NavigationError{Reason: "net::ERR_ABORTED"})) {
		t.Error("aborted navigation not recognized as a started download")
	}
	if downloadAborted(&rod.NavigationError{Reason: "net::ERR_NAME_NOT_RESOLVED"}) {
		t.Error("DNS failure treated as a download")
	}
	if downloadAborted(errors.New("net::ERR_ABORTED")) {
		t.Error("plain error treated as a navigation abort")
	}
}
