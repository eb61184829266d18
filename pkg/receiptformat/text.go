package receiptformat

import (
	"regexp"
	"strings"
)

// SectionHeaders are the keywords that mark a line as a section header
// when converting plain text.
var SectionHeaders = []string{
	"CHECKLIST", "DADOS DO", "PROBLEMA", "SENHA", "VALORES",
	"PREVISAO", "OBSERVACOES", "TERMOS", "ASSINATURA",
	"ITENS VERIFICADOS", "LEGENDA",
}

var orderNumberLine = regexp.MustCompile(`^\s*#\d+`)

// FromText converts a line-oriented text payload into a receipt.
//
// Rule lines ("========", "--------") become emphasis, "*** VIA" lines become
// titles, order headings are centered emphasis and known section keywords
// become headers. The receipt always ends with a three-line feed and a
// partial cut.
func FromText(text string) *Receipt {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")

	r := &Receipt{Version: Version}
	for _, line := range strings.Split(text, "\n") {
		r.Commands = append(r.Commands, classifyLine(line))
	}
	r.Commands = append(r.Commands,
		Command{Type: TypeFeed, Lines: 3},
		Command{Type: TypeCut, Partial: true},
	)
	return r
}

func classifyLine(line string) Command {
	switch {
	case strings.Contains(line, "========") || strings.Contains(line, "--------"):
		return Command{Type: TypeEmphasis, Value: line}
	case strings.Contains(line, "*** VIA"):
		return Command{Type: TypeTitle, Value: line}
	case strings.Contains(line, "ORDEM DE SERVICO") || orderNumberLine.MatchString(line):
		return Command{Type: TypeEmphasis, Value: line, Align: AlignCenter}
	case isSectionHeader(line):
		return Command{Type: TypeHeader, Value: line}
	default:
		return Command{Type: TypeText, Value: line}
	}
}

func isSectionHeader(line string) bool {
	for _, h := range SectionHeaders {
		if strings.Contains(line, h) {
			return true
		}
	}
	return false
}

// Style describes how a single command renders as text.
type Style struct {
	Bold      bool
	Underline bool
	Double    bool
	Align     string
}

// StyleOf resolves the effective text style of a text-bearing command.
// Markers carry their own defaults; explicit fields on the command win.
func StyleOf(cmd Command) Style {
	s := Style{Bold: cmd.Bold, Underline: cmd.Underline, Double: cmd.Size == 2, Align: cmd.Align}
	switch cmd.Type {
	case TypeHeader, TypeEmphasis:
		s.Bold = true
	case TypeTitle:
		s.Bold = true
		s.Double = true
		if s.Align == "" {
			s.Align = AlignCenter
		}
	}
	if s.Align == "" {
		s.Align = AlignLeft
	}
	return s
}
