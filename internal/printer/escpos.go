package printer

import (
	"bytes"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// Control bytes
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// Commands is a dialect's control-code table.
type Commands struct {
	Init         []byte
	BoldOn       []byte
	BoldOff      []byte
	UnderlineOn  []byte
	UnderlineOff []byte
	DoubleSize   []byte
	NormalSize   []byte
	AlignLeft    []byte
	AlignCenter  []byte
	AlignRight   []byte
	LineFeed     []byte
	Cut          []byte
	PartialCut   []byte
	OpenDrawer   []byte
	// Expanded and condensed print exist only in ESC/BEMA
	ExpandedOn   []byte
	ExpandedOff  []byte
	CondensedOn  []byte
	CondensedOff []byte
}

// Feed returns the "print and feed n lines" command.
func (c Commands) Feed(n int) []byte {
	return []byte{ESC, 'd', byte(min(max(n, 0), 255))}
}

var escPOS = Commands{
	Init:         []byte{ESC, '@'},
	BoldOn:       []byte{ESC, 'E', 0x01},
	BoldOff:      []byte{ESC, 'E', 0x00},
	UnderlineOn:  []byte{ESC, '-', 0x01},
	UnderlineOff: []byte{ESC, '-', 0x00},
	DoubleSize:   []byte{ESC, '!', 0x30},
	NormalSize:   []byte{ESC, '!', 0x00},
	AlignLeft:    []byte{ESC, 'a', 0x00},
	AlignCenter:  []byte{ESC, 'a', 0x01},
	AlignRight:   []byte{ESC, 'a', 0x02},
	LineFeed:     []byte{LF},
	Cut:          []byte{GS, 'V', 0x00},
	PartialCut:   []byte{GS, 'V', 0x01},
	OpenDrawer:   []byte{ESC, 'p', 0x00, 0x19, 0xFA},
}

var escBEMA = Commands{
	Init:         []byte{ESC, '@'},
	BoldOn:       []byte{ESC, 'E'},
	BoldOff:      []byte{ESC, 'F'},
	UnderlineOn:  []byte{ESC, '-', 0x01},
	UnderlineOff: []byte{ESC, '-', 0x00},
	DoubleSize:   []byte{ESC, '!', 0x30},
	NormalSize:   []byte{ESC, '!', 0x00},
	AlignLeft:    []byte{ESC, 'a', 0x00},
	AlignCenter:  []byte{ESC, 'a', 0x01},
	AlignRight:   []byte{ESC, 'a', 0x02},
	LineFeed:     []byte{LF},
	Cut:          []byte{ESC, 'm'},
	PartialCut:   []byte{ESC, 'm'},
	OpenDrawer:   []byte{ESC, 'p', 0x00, 0x19, 0xFA},
	ExpandedOn:   []byte{ESC, 'W', 0x01},
	ExpandedOff:  []byte{ESC, 'W', 0x00},
	CondensedOn:  []byte{0x0F},
	CondensedOff: []byte{0x12},
}

// CommandsFor returns the control-code table for a dialect.
func CommandsFor(d Dialect) Commands {
	if d == DialectESCBEMA {
		return escBEMA
	}
	return escPOS
}

// Encoder accumulates dialect bytes for one receipt.
type Encoder struct {
	cmd    Commands
	buffer *bytes.Buffer
}

// NewEncoder creates an encoder for a dialect
func NewEncoder(d Dialect) *Encoder {
	return &Encoder{cmd: CommandsFor(d), buffer: new(bytes.Buffer)}
}

// Initialize resets the printer's formatting state
func (e *Encoder) Initialize() {
	e.buffer.Write(e.cmd.Init)
}

// SetAlignment sets text alignment
func (e *Encoder) SetAlignment(align string) {
	switch align {
	case receiptformat.AlignCenter:
		e.buffer.Write(e.cmd.AlignCenter)
	case receiptformat.AlignRight:
		e.buffer.Write(e.cmd.AlignRight)
	default:
		e.buffer.Write(e.cmd.AlignLeft)
	}
}

// SetBold enables or disables bold text
func (e *Encoder) SetBold(enabled bool) {
	if enabled {
		e.buffer.Write(e.cmd.BoldOn)
	} else {
		e.buffer.Write(e.cmd.BoldOff)
	}
}

// SetUnderline enables or disables underlined text
func (e *Encoder) SetUnderline(enabled bool) {
	if enabled {
		e.buffer.Write(e.cmd.UnderlineOn)
	} else {
		e.buffer.Write(e.cmd.UnderlineOff)
	}
}

// SetDoubleSize switches between double and normal character size
func (e *Encoder) SetDoubleSize(enabled bool) {
	if enabled {
		e.buffer.Write(e.cmd.DoubleSize)
	} else {
		e.buffer.Write(e.cmd.NormalSize)
	}
}

// WriteText writes text
func (e *Encoder) WriteText(text string) {
	e.buffer.WriteString(text)
}

// LineFeed sends line feed
func (e *Encoder) LineFeed() {
	e.buffer.Write(e.cmd.LineFeed)
}

// Feed advances the paper by lines
func (e *Encoder) Feed(lines int) {
	e.buffer.Write(e.cmd.Feed(lines))
}

// Cut sends a full or partial cut
func (e *Encoder) Cut(partial bool) {
	if partial {
		e.buffer.Write(e.cmd.PartialCut)
	} else {
		e.buffer.Write(e.cmd.Cut)
	}
}

// OpenDrawer pulses the cash drawer kick-out connector
func (e *Encoder) OpenDrawer() {
	e.buffer.Write(e.cmd.OpenDrawer)
}

// WriteStyled writes one line with its style applied and then restored.
func (e *Encoder) WriteStyled(text string, s receiptformat.Style) {
	if s.Align != receiptformat.AlignLeft {
		e.SetAlignment(s.Align)
	}
	if s.Bold {
		e.SetBold(true)
	}
	if s.Underline {
		e.SetUnderline(true)
	}
	if s.Double {
		e.SetDoubleSize(true)
	}

	e.WriteText(text)

	if s.Double {
		e.SetDoubleSize(false)
	}
	if s.Underline {
		e.SetUnderline(false)
	}
	if s.Bold {
		e.SetBold(false)
	}
	if s.Align != receiptformat.AlignLeft {
		e.SetAlignment(receiptformat.AlignLeft)
	}
	e.LineFeed()
}

// PrintImage writes img as a GS v 0 raster bit image
func (e *Encoder) PrintImage(img image.Image) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	bytesPerLine := (width + 7) / 8

	e.buffer.Write([]byte{GS, 'v', '0', 0x00,
		byte(bytesPerLine & 0xFF), byte((bytesPerLine >> 8) & 0xFF),
		byte(height & 0xFF), byte((height >> 8) & 0xFF)})
	e.buffer.Write(imageToBitmap(img))
}

// Bytes returns the generated commands
func (e *Encoder) Bytes() []byte {
	return e.buffer.Bytes()
}

// Encode translates a receipt into dialect bytes.
func Encode(d Dialect, r *receiptformat.Receipt) ([]byte, error) {
	e := NewEncoder(d)
	e.Initialize()

	for i, cmd := range r.Commands {
		switch cmd.Type {
		case receiptformat.TypeText, receiptformat.TypeHeader, receiptformat.TypeEmphasis, receiptformat.TypeTitle:
			e.WriteStyled(cmd.Value, receiptformat.StyleOf(cmd))
		case receiptformat.TypeDivider:
			e.WriteText(dividerLine(cmd, r.Columns()))
			e.LineFeed()
		case receiptformat.TypeFeed:
			e.Feed(max(cmd.Lines, 1))
		case receiptformat.TypeCut:
			e.Cut(cmd.Partial)
		case receiptformat.TypeDrawer:
			e.OpenDrawer()
		case receiptformat.TypeQRCode, receiptformat.TypeBarcode:
			img, err := codeImage(cmd, r.DotWidth())
			if err != nil {
				return nil, fmt.Errorf("command[%d]: %w", i, err)
			}
			e.SetAlignment(receiptformat.AlignCenter)
			e.PrintImage(img)
			e.SetAlignment(receiptformat.AlignLeft)
			e.LineFeed()
		default:
			return nil, fmt.Errorf("command[%d]: unknown command type: %s", i, cmd.Type)
		}
	}

	return e.Bytes(), nil
}

func dividerLine(cmd receiptformat.Command, columns int) string {
	char := cmd.Char
	if char == "" {
		char = "="
	}
	n := cmd.Length
	if n <= 0 || n > columns {
		n = columns
	}
	return strings.Repeat(char, n)
}

// printFormatted drives a transport that formats text itself.
func printFormatted(f Formatter, sess *Session, r *receiptformat.Receipt) error {
	h := sess.handle
	for i, cmd := range r.Commands {
		var err error
		switch cmd.Type {
		case receiptformat.TypeText, receiptformat.TypeHeader, receiptformat.TypeEmphasis, receiptformat.TypeTitle:
			err = f.PrintFormatted(h, cmd.Value, receiptformat.StyleOf(cmd))
		case receiptformat.TypeDivider:
			err = f.PrintFormatted(h, dividerLine(cmd, r.Columns()), receiptformat.Style{Align: receiptformat.AlignLeft})
		case receiptformat.TypeFeed:
			err = f.FeedPaper(h, max(cmd.Lines, 1))
		case receiptformat.TypeCut:
			err = f.CutPaper(h, cmd.Partial)
		case receiptformat.TypeDrawer, receiptformat.TypeQRCode, receiptformat.TypeBarcode:
			// No formatting primitive for these; send them raw
			var data []byte
			data, err = Encode(sess.Dialect, &receiptformat.Receipt{Version: r.Version, PaperWidth: r.PaperWidth, Commands: []receiptformat.Command{cmd}})
			if err == nil {
				err = rawWrite(f, h, sess.OutEndpoint, data)
			}
		}
		if err != nil {
			return fmt.Errorf("command[%d]: %w", i, err)
		}
	}
	return nil
}

// rawWrite sends bytes through a Formatter that is also a Backend.
func rawWrite(f Formatter, h Handle, ep uint8, data []byte) error {
	b, ok := f.(Backend)
	if !ok {
		return ErrUnsupported
	}
	_, err := b.TransferOut(h, ep, data)
	return err
}

// TestPage builds the self-describing test receipt for a session.
func TestPage(sess Session, now time.Time) *receiptformat.Receipt {
	name := sess.Descriptor.DisplayName
	if name == "" {
		name = "USB Printer"
	}
	return &receiptformat.Receipt{
		Version: receiptformat.Version,
		Name:    "test page",
		Commands: []receiptformat.Command{
			{Type: receiptformat.TypeTitle, Value: "TESTE DE IMPRESSAO"},
			{Type: receiptformat.TypeText},
			{Type: receiptformat.TypeDivider, Char: "=", Length: 32},
			{Type: receiptformat.TypeText},
			{Type: receiptformat.TypeText, Value: "Impressora: " + name},
			{Type: receiptformat.TypeText, Value: "Porta: " + sess.Descriptor.Port()},
			{Type: receiptformat.TypeText, Value: "Protocolo: " + strings.ToUpper(sess.Dialect.String())},
			{Type: receiptformat.TypeText, Value: "Data/Hora: " + now.Format("02/01/2006 15:04:05")},
			{Type: receiptformat.TypeText},
			{Type: receiptformat.TypeDivider, Char: "=", Length: 32},
			{Type: receiptformat.TypeEmphasis, Value: "CONEXAO OK!", Align: receiptformat.AlignCenter},
			{Type: receiptformat.TypeDivider, Char: "=", Length: 32},
			{Type: receiptformat.TypeFeed, Lines: 3},
			{Type: receiptformat.TypeCut, Partial: true},
		},
	}
}

// imageToBitmap converts an image to a 1-bit bitmap, MSB first
func imageToBitmap(img image.Image) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	bytesPerLine := (width + 7) / 8
	bitmap := make([]byte, bytesPerLine*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			// Threshold at 50% gray
			if (r+g+b)/3 < 32768 {
				bitmap[y*bytesPerLine+x/8] |= 1 << (7 - x%8)
			}
		}
	}

	return bitmap
}
