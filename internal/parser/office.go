package parser

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// DOCX has no page boundaries; the whole body is one page.
func openDOCX(path string) (pageSource, func() error, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	text, err := textFromXML(r.Editable().GetContent())
	if err != nil {
		return nil, nil, err
	}
	return textPages{text}, nil, nil
}

// PPTX slides become pages in slide-number order.
func openPPTX(path string) (pageSource, func() error, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range zr.File {
		m := slideRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	pages := make(lazyPages, len(slides))
	for i, s := range slides {
		pages[i] = readZipText(s.file)
	}
	return pages, nil, nil
}

// lazyPages keeps a per-page error so one broken slide fails alone.
type lazyPages []pageOrErr

type pageOrErr struct {
	text string
	err  error
}

func (l lazyPages) NumPage() int { return len(l) }

func (l lazyPages) PageText(num int) (string, error) {
	if num < 1 || num > len(l) {
		return "", fmt.Errorf("page %d out of range", num)
	}
	return l[num-1].text, l[num-1].err
}

func readZipText(file *zip.File) pageOrErr {
	rc, err := file.Open()
	if err != nil {
		return pageOrErr{err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return pageOrErr{err: err}
	}
	text, err := textFromXML(string(data))
	return pageOrErr{text: text, err: err}
}

// XLSX sheets become pages, one tab-separated line per row.
func openXLSX(path string) (pageSource, func() error, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}

	pages := make(textPages, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			text.WriteString(strings.Join(cells, "\t"))
			text.WriteString("\n")
		}
		pages = append(pages, text.String())
	}
	return pages, nil, nil
}

// Macro-enabled and template workbooks go through excelize.
func openWorkbook(path string) (pageSource, func() error, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make(lazyPages, len(sheets))
	for i, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			pages[i] = pageOrErr{err: fmt.Errorf("sheet %s: %w", name, err)}
			continue
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", name))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		pages[i] = pageOrErr{text: text.String()}
	}
	return pages, nil, nil
}

// textFromXML collects the character data of every <t> element (w:t in
// WordprocessingML, a:t in DrawingML) and ends each <p> with a newline.
func textFromXML(content string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
