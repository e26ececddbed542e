// Package extract pulls raw text out of uploaded PDF files, page by page.
package extract

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extractor produces a single text blob from a PDF payload.
type Extractor interface {
	// Extract decodes every page it can and concatenates the results, each
	// page prefixed with a page marker. It fails only when zero pages yield
	// any text.
	Extract(data []byte) (string, error)
}

// PDFExtractor decodes PDF content with a pure-Go reader. Individual pages
// that fail to decode are skipped with a warning; decoding panics from
// malformed page content streams are contained the same way.
type PDFExtractor struct {
	logger *slog.Logger
}

// NewPDFExtractor creates an Extractor backed by the PDF reader.
func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFExtractor{logger: logger}
}

// Extract implements Extractor.
func (e *PDFExtractor) Extract(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	decoded := 0
	total := reader.NumPage()
	for num := 1; num <= total; num++ {
		pageText, err := e.extractPage(reader, num)
		if err != nil {
			e.logger.Warn("Skipping undecodable page", "page", num, "error", err)
			continue
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n--- Страница %d ---\n", num)
		sb.WriteString(pageText)
		decoded++
	}

	if decoded == 0 {
		return "", fmt.Errorf("no extractable text in %d pages", total)
	}
	return strings.TrimSpace(sb.String()), nil
}

// extractPage isolates the decoding of one page. The reader panics on some
// malformed content streams, so the recover keeps a bad page from taking
// down the whole document.
func (e *PDFExtractor) extractPage(reader *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page decode panic: %v", r)
		}
	}()

	page := reader.Page(num)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d is null", num)
	}
	return page.GetPlainText(nil)
}

// DemoExtractor returns a fixed labor-code sample instead of decoding input.
// It exists for environments without real documents and is only ever
// selected explicitly through configuration; a missing decoding capability
// is otherwise a hard failure.
type DemoExtractor struct{}

// Extract implements Extractor with canned text.
func (DemoExtractor) Extract([]byte) (string, error) {
	return demoText, nil
}

const demoText = `ДЕМО ДОКУМЕНТ - Трудовой кодекс Республики Таджикистан

Статья 1. Основные принципы трудового права
Трудовое законодательство Республики Таджикистан основывается на принципах:
- свободы труда
- запрещения принудительного труда
- равенства прав и возможностей работников

Статья 2. Трудовые отношения
Трудовые отношения - отношения, основанные на соглашении между работником и работодателем о личном выполнении работником за плату трудовой функции.

Статья 3. Права работников
Каждый работник имеет право на:
- справедливые условия труда
- своевременную и в полном размере выплату заработной платы
- отдых, включая ограничение рабочего времени
- безопасные условия труда

Статья 4. Обязанности работников
Работник обязан:
- добросовестно исполнять свои трудовые обязанности
- соблюдать правила внутреннего трудового распорядка
- соблюдать трудовую дисциплину
- выполнять установленные нормы труда`
