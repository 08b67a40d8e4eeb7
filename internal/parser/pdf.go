package parser

import (
	"errors"
	"os"

	"github.com/ledongthuc/pdf"
)

var newPDFReader = pdf.NewReader

type pdfSource struct {
	reader *pdf.Reader
}

func openPDF(path string) (pageSource, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	opened := false
	// also runs when NewReader panics on a malformed trailer
	defer func() {
		if !opened {
			f.Close()
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	reader, err := newPDFReader(f, stat.Size())
	if err != nil {
		return nil, nil, err
	}
	opened = true
	return &pdfSource{reader: reader}, f.Close, nil
}

func (s *pdfSource) NumPage() int { return s.reader.NumPage() }

func (s *pdfSource) PageText(num int) (string, error) {
	page := s.reader.Page(num)
	if page.V.IsNull() {
		return "", errors.New("missing page object")
	}
	return page.GetPlainText(nil)
}
